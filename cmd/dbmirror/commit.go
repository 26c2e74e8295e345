// Commit and rollback commands flush or discard the staged changes.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var commitMessage string

var commitCmd = &cobra.Command{
	Use:   "commit -m <message>",
	Short: "Flush the staged changes to the store",
	Long: `Commit flushes every staged change to the store in one
transaction and prints the commit id. With nothing staged it fails.

Example:
  dbmirror commit -m "add power plants"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := mirror.Commit(commitMessage)
		if err != nil {
			return err
		}
		fmt.Printf("commit %d\n", id)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Discard the staged changes",
	Long: `Rollback discards every staged change: removals are restored,
updates revert, and staged additions are dropped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mirror.Rollback(); err != nil {
			return err
		}
		fmt.Println("rolled back")
		return nil
	},
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	_ = commitCmd.MarkFlagRequired("message")
}
