// List command prints every valid item of a type.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List all items of a type",
	Long: `List fetches a type's table in full and prints every valid item.

Example:
  dbmirror list entity_class
  dbmirror list entity`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := mirror.GetItems(args[0])
		if err != nil {
			return fmt.Errorf("list %s: %w", args[0], err)
		}
		return printItems(items)
	},
}
