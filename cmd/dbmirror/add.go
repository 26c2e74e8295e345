// Add command stages a new item.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <type> <key=value...>",
	Short: "Stage a new item",
	Long: `Add stages a new item of the given type. Referenced items can be
named by their unique keys instead of ids. The staged item carries a
negative placeholder id until committed.

Example:
  dbmirror add entity_class name=unit
  dbmirror add entity class_name=unit name=power_plant_a
  dbmirror add scenario_alternative scenario_name=base alternative_name=alt1 rank=1`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		it, err := mirror.AddItem(args[0], fields)
		if err != nil {
			return fmt.Errorf("add %s: %w", args[0], err)
		}
		return printItem(it)
	},
}
