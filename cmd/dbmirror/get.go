// Get command prints one item, looked up by id or by unique-key fields.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <type> <id>|<key=value...>",
	Short: "Print one item by id or unique key",
	Long: `Get prints a single item. A numeric argument is an id lookup;
key=value arguments look the item up by one of its unique keys.

Example:
  dbmirror get entity_class 1
  dbmirror get entity class_name=unit name=power_plant_a`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemType := args[0]
		if len(args) == 2 {
			if id, err := parseID(args[1]); err == nil {
				it, err := mirror.GetItem(itemType, id)
				if err != nil {
					return err
				}
				return printItem(it)
			}
		}
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		it, err := mirror.FindItem(itemType, fields)
		if err != nil {
			return fmt.Errorf("get %s: %w", itemType, err)
		}
		return printItem(it)
	},
}
