// Package sqlite implements the backing store on an SQLite database
// file. Tables are named after the item types; the registry's field
// lists double as the column lists.
package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/dbmirror/pkg/schema"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Store is a Backstore over an SQLite file.
type Store struct {
	db       *sql.DB
	registry *schema.Registry
	user     string
}

// Open opens or creates the database at path. The user name is recorded
// on every commit this store writes.
func Open(path, user string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// The mirror flushes children before parents; the pragma keeps the
	// store honest about it.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, registry: schema.DefaultRegistry(), user: user}, nil
}

func (s *Store) definition(itemType string) (*schema.Definition, error) {
	def, ok := s.registry.Definition(itemType)
	if !ok {
		return nil, fmt.Errorf("%q: %w", itemType, types.ErrUnknownItemType)
	}
	return def, nil
}

// Query returns one page of a type's rows in id order.
func (s *Store) Query(itemType string, limit, offset int) ([]types.Fields, error) {
	def, err := s.definition(itemType)
	if err != nil {
		return nil, err
	}
	cols := quoteAll(def.Fields)
	q := fmt.Sprintf(`SELECT %s FROM %q ORDER BY id LIMIT ? OFFSET ?`,
		strings.Join(cols, ", "), itemType)
	rows, err := s.db.Query(q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", itemType, err)
	}
	defer rows.Close()
	var out []types.Fields
	for rows.Next() {
		values := make([]any, len(def.Fields))
		ptrs := make([]any, len(def.Fields))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", itemType, err)
		}
		row := make(types.Fields, len(def.Fields))
		for i, f := range def.Fields {
			row[f] = fromColumn(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying %s: %w", itemType, err)
	}
	return out, nil
}

// CommitCount returns how many commits the store holds.
func (s *Store) CommitCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM "commit"`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting commits: %w", err)
	}
	return count, nil
}

// Begin opens a transaction and writes its commit row. The commit id is
// final only once Commit returns.
func (s *Store) Begin(message string) (types.CommitTx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	date := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`INSERT INTO "commit" (ref, message, user, date) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), message, s.user, date)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("writing commit row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("reading commit id: %w", err)
	}
	return &commitTx{store: s, tx: tx, id: id}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type commitTx struct {
	store *Store
	tx    *sql.Tx
	id    int64
}

func (c *commitTx) ID() int64 { return c.id }

func (c *commitTx) Insert(itemType string, rows []types.Fields) ([]int64, error) {
	def, err := c.store.definition(itemType)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(def.Fields))
	for _, f := range def.Fields {
		if f != "id" {
			cols = append(cols, f)
		}
	}
	q := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`,
		itemType, strings.Join(quoteAll(cols), ", "), placeholders(len(cols)))
	stmt, err := c.tx.Prepare(q)
	if err != nil {
		return nil, fmt.Errorf("preparing %s insert: %w", itemType, err)
	}
	defer stmt.Close()
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = toColumn(row[col])
		}
		res, err := stmt.Exec(args...)
		if err != nil {
			return nil, fmt.Errorf("inserting %s row: %w", itemType, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("reading inserted %s id: %w", itemType, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *commitTx) Update(itemType string, rows []types.Fields) error {
	def, err := c.store.definition(itemType)
	if err != nil {
		return err
	}
	cols := make([]string, 0, len(def.Fields))
	sets := make([]string, 0, len(def.Fields))
	for _, f := range def.Fields {
		if f == "id" {
			continue
		}
		cols = append(cols, f)
		sets = append(sets, fmt.Sprintf("%q = ?", f))
	}
	q := fmt.Sprintf(`UPDATE %q SET %s WHERE id = ?`, itemType, strings.Join(sets, ", "))
	stmt, err := c.tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("preparing %s update: %w", itemType, err)
	}
	defer stmt.Close()
	for _, row := range rows {
		id, ok := schema.AsID(row["id"])
		if !ok {
			return fmt.Errorf("updating %s row without id", itemType)
		}
		args := make([]any, 0, len(cols)+1)
		for _, col := range cols {
			args = append(args, toColumn(row[col]))
		}
		args = append(args, id)
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("updating %s row %d: %w", itemType, id, err)
		}
	}
	return nil
}

func (c *commitTx) Delete(itemType string, ids []int64) error {
	if _, err := c.store.definition(itemType); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf(`DELETE FROM %q WHERE id IN (%s)`, itemType, placeholders(len(ids)))
	if _, err := c.tx.Exec(q, args...); err != nil {
		return fmt.Errorf("deleting %s rows: %w", itemType, err)
	}
	return nil
}

func (c *commitTx) Commit() error { return c.tx.Commit() }

func (c *commitTx) Rollback() error { return c.tx.Rollback() }

// toColumn converts a stored field value into what the driver accepts:
// id lists become their comma-separated text form, booleans become
// integers.
func toColumn(v any) any {
	switch x := v.(type) {
	case []int64:
		if len(x) == 0 {
			return nil
		}
		return schema.JoinIDList(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// fromColumn normalizes scanned values: byte slices read as strings,
// everything else as the driver delivered it.
func fromColumn(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("%q", c)
	}
	return out
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}
