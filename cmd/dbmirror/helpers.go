// Shared helpers for dbmirror CLI commands.
package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/dbmirror/internal/cache"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// parseFields turns key=value arguments into candidate fields. Values
// parse as JSON where possible, so lists and numbers come through
// typed; anything else is taken as a plain string.
func parseFields(args []string) (types.Fields, error) {
	fields := make(types.Fields, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid field %q (expected key=value)", arg)
		}
		key, value := parts[0], parts[1]
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		// JSON numbers arrive as float64; ids and ranks want integers.
		if f, ok := parsed.(float64); ok && f == float64(int64(f)) {
			parsed = int64(f)
		}
		fields[key] = parsed
	}
	return fields, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// printItem renders an item's stored fields as indented JSON.
func printItem(it *cache.Item) error {
	return printJSON(it.Fields())
}

func printItems(items []*cache.Item) error {
	rows := make([]types.Fields, len(items))
	for i, it := range items {
		rows[i] = it.Fields()
	}
	return printJSON(rows)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
