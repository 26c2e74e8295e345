// Remove and restore commands stage and undo item removals.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <type> <id>",
	Short: "Stage the removal of an item and its dependents",
	Long: `Remove stages the removal of an item. Everything that strongly
refers to it, directly or transitively, is removed with it.

Example:
  dbmirror remove entity_class 1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		if _, err := mirror.RemoveItem(args[0], id); err != nil {
			return fmt.Errorf("remove %s %d: %w", args[0], id, err)
		}
		fmt.Printf("removed %s %d\n", args[0], id)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <type> <id>",
	Short: "Undo a staged removal",
	Long: `Restore undoes the staged removal of an item, restoring whatever
was removed in its cascade.

Example:
  dbmirror restore entity_class 1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		if _, err := mirror.RestoreItem(args[0], id); err != nil {
			return fmt.Errorf("restore %s %d: %w", args[0], id, err)
		}
		fmt.Printf("restored %s %d\n", args[0], id)
		return nil
	},
}
