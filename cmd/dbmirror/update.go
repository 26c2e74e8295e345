// Update command stages field changes on an item.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update <type> <id> <key=value...>",
	Short: "Stage field changes on an item",
	Long: `Update stages field changes on the item with the given id. Setting
fields back to their committed values cancels the staged update.

Example:
  dbmirror update entity_class 1 description="fuel-burning units"
  dbmirror update scenario 3 active=true`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		fields, err := parseFields(args[2:])
		if err != nil {
			return err
		}
		it, err := mirror.UpdateItem(args[0], id, fields)
		if err != nil {
			return fmt.Errorf("update %s %d: %w", args[0], id, err)
		}
		return printItem(it)
	},
}
