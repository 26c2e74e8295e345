// Fetch and purge commands control what the mirror materializes.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var fetchPage bool

var fetchCmd = &cobra.Command{
	Use:   "fetch [type...]",
	Short: "Materialize rows from the store",
	Long: `Fetch materializes rows into the mirror. Without arguments every
type is fetched in full; with --page only the next page of each named
type is fetched.

Example:
  dbmirror fetch
  dbmirror fetch entity
  dbmirror fetch --page entity`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !fetchPage {
			return mirror.FetchAll(args...)
		}
		if len(args) == 0 {
			return fmt.Errorf("--page needs at least one type")
		}
		for _, typ := range args {
			n, err := mirror.FetchMore(typ)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d rows\n", typ, n)
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge [type...]",
	Short: "Stage the removal of every item of the given types",
	Long: `Purge stages the removal of every item of the named types, or of
all types when none are given. The removals flush on the next commit.

Example:
  dbmirror purge
  dbmirror purge parameter_value`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mirror.Purge(args...); err != nil {
			return err
		}
		fmt.Println("purge staged")
		return nil
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchPage, "page", false, "fetch one page per type instead of everything")
}
