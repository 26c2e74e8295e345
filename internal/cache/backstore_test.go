package cache

import (
	"errors"
	"fmt"

	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// fakeStore is an in-memory Backstore that logs the order of write
// primitives and can be told to fail, so commit semantics are testable
// without a database.
type fakeStore struct {
	rows    map[string][]types.Fields
	nextID  map[string]int64
	commits int

	// ops records write primitives as "<op> <type>", in call order.
	ops []string

	failInsert bool
	closed     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:   make(map[string][]types.Fields),
		nextID: make(map[string]int64),
	}
}

// seed adds a committed row, assigning the next id, and returns it.
func (s *fakeStore) seed(itemType string, fields types.Fields) int64 {
	row := fields.Clone()
	s.nextID[itemType]++
	row["id"] = s.nextID[itemType]
	s.rows[itemType] = append(s.rows[itemType], row)
	return s.nextID[itemType]
}

func (s *fakeStore) Query(itemType string, limit, offset int) ([]types.Fields, error) {
	all := s.rows[itemType]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]types.Fields, 0, end-offset)
	for _, row := range all[offset:end] {
		out = append(out, row.Clone())
	}
	return out, nil
}

func (s *fakeStore) CommitCount() (int, error) {
	return s.commits, nil
}

func (s *fakeStore) Begin(message string) (types.CommitTx, error) {
	return &fakeTx{store: s, id: int64(s.commits + 1)}, nil
}

func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

type fakeTx struct {
	store *fakeStore
	id    int64
	// staged mutations, applied on Commit only
	inserts []func()
	updates []func()
	deletes []func()
}

func (tx *fakeTx) ID() int64 { return tx.id }

func (tx *fakeTx) Insert(itemType string, rows []types.Fields) ([]int64, error) {
	s := tx.store
	s.ops = append(s.ops, "insert "+itemType)
	if s.failInsert {
		return nil, errors.New("insert refused")
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		s.nextID[itemType]++
		id := s.nextID[itemType]
		ids[i] = id
		stored := row.Clone()
		stored["id"] = id
		tx.inserts = append(tx.inserts, func() {
			s.rows[itemType] = append(s.rows[itemType], stored)
		})
	}
	return ids, nil
}

func (tx *fakeTx) Update(itemType string, rows []types.Fields) error {
	s := tx.store
	s.ops = append(s.ops, "update "+itemType)
	for _, row := range rows {
		stored := row.Clone()
		tx.updates = append(tx.updates, func() {
			id := stored["id"]
			for i, existing := range s.rows[itemType] {
				if existing["id"] == id {
					s.rows[itemType][i] = stored
					return
				}
			}
		})
	}
	return nil
}

func (tx *fakeTx) Delete(itemType string, ids []int64) error {
	s := tx.store
	s.ops = append(s.ops, "delete "+itemType)
	doomed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}
	tx.deletes = append(tx.deletes, func() {
		kept := s.rows[itemType][:0]
		for _, row := range s.rows[itemType] {
			if id, ok := row["id"].(int64); ok && doomed[id] {
				continue
			}
			kept = append(kept, row)
		}
		s.rows[itemType] = kept
	})
	return nil
}

func (tx *fakeTx) Commit() error {
	for _, apply := range tx.deletes {
		apply()
	}
	for _, apply := range tx.updates {
		apply()
	}
	for _, apply := range tx.inserts {
		apply()
	}
	tx.store.commits++
	return nil
}

func (tx *fakeTx) Rollback() error { return nil }

// row is shorthand for building field maps in tests.
func row(pairs ...any) types.Fields {
	if len(pairs)%2 != 0 {
		panic(fmt.Sprintf("odd field pairs: %v", pairs))
	}
	f := make(types.Fields, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		f[pairs[i].(string)] = pairs[i+1]
	}
	return f
}
