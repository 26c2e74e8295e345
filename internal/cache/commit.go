package cache

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/dbmirror/pkg/schema"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// dirty holds the staged changes per item type, in table insertion
// order.
type dirty struct {
	adds    map[string][]*Item
	updates map[string][]*Item
	removes map[string][]*Item
}

func (d *dirty) empty() bool {
	return len(d.adds) == 0 && len(d.updates) == 0 && len(d.removes) == 0
}

// dirtyItems collects the staged changes. When a type has removals, the
// types referring to it are fetched in full first, so rows the store
// still holds join the removal cascade and the delete set is complete.
// Every item is validity-checked before it is classified: an item whose
// strong reference died is removed along with its referent, and the
// delete set picks it up here even when no referrer link was ever
// registered for it.
func (m *Mirror) dirtyItems() (*dirty, error) {
	d := &dirty{
		adds:    make(map[string][]*Item),
		updates: make(map[string][]*Item),
		removes: make(map[string][]*Item),
	}
	for _, typ := range m.typeOrder {
		t := m.tables[typ]
		hasRemoves := false
		for _, id := range t.order {
			if t.items[id].status == types.ToRemove {
				hasRemoves = true
				break
			}
		}
		if hasRemoves {
			if err := m.fetchAllLocked(typ); err != nil {
				return nil, err
			}
			if err := m.fetchDescendants(typ); err != nil {
				return nil, err
			}
		}
		for _, id := range t.order {
			t.items[id].IsValid()
		}
		if err := m.takeFetchErr(); err != nil {
			return nil, err
		}
		for _, id := range t.order {
			it := t.items[id]
			switch it.status {
			case types.ToAdd:
				d.adds[typ] = append(d.adds[typ], it)
			case types.ToUpdate:
				d.updates[typ] = append(d.updates[typ], it)
			case types.ToRemove:
				d.removes[typ] = append(d.removes[typ], it)
			}
		}
	}
	return d, nil
}

// resolution is a placeholder-to-store identity assignment, applied
// only once the whole commit has succeeded.
type resolution struct {
	table *tableCache
	temp  int64
	db    int64
}

// Commit flushes the staged changes to the store in one transaction and
// returns the commit id. Removals flush first, the referring types
// before the types they refer to; then additions and updates, the
// referred-to types first, so the store never sees a dangling
// reference. On failure nothing is flipped: the staged state stays as
// it was.
func (m *Mirror) Commit(message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, types.ErrClosed
	}
	if strings.TrimSpace(message) == "" {
		return 0, types.ErrEmptyCommitMessage
	}
	d, err := m.dirtyItems()
	if err != nil {
		return 0, err
	}
	if d.empty() {
		return 0, types.ErrNothingToCommit
	}
	tx, err := m.store.Begin(message)
	if err != nil {
		return 0, fmt.Errorf("beginning commit: %w", err)
	}
	commitID := tx.ID()
	resolutions, err := m.flush(tx, d, commitID)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	for _, r := range resolutions {
		r.table.resolveTemp(r.temp, r.db)
	}
	for _, typ := range m.typeOrder {
		m.tables[typ].purged = false
		hasCommitID := m.tables[typ].def.HasCommitID()
		for _, it := range d.removes[typ] {
			it.status = types.Committed
			it.backup = nil
		}
		for _, it := range d.updates[typ] {
			it.status = types.Committed
			it.backup = nil
			if hasCommitID {
				it.fields["commit_id"] = commitID
			}
		}
		for _, it := range d.adds[typ] {
			it.status = types.Committed
			if hasCommitID {
				it.fields["commit_id"] = commitID
			}
		}
	}
	if count, err := m.store.CommitCount(); err == nil {
		m.baseCommitCount = count
	}
	return commitID, nil
}

func (m *Mirror) flush(tx types.CommitTx, d *dirty, commitID int64) ([]resolution, error) {
	// pending carries the store ids assigned during this flush, per
	// type, keyed by placeholder; the table mappings stay untouched
	// until the transaction commits.
	pending := make(map[string]map[int64]int64)
	var resolutions []resolution
	for i := len(m.typeOrder) - 1; i >= 0; i-- {
		typ := m.typeOrder[i]
		items := d.removes[typ]
		if len(items) == 0 {
			continue
		}
		t := m.tables[typ]
		ids := make([]int64, len(items))
		for j, it := range items {
			db, ok := t.dbID(it.ID())
			if !ok {
				return nil, fmt.Errorf("removing %s with unresolved id %d", typ, it.ID())
			}
			ids[j] = db
		}
		if err := tx.Delete(typ, ids); err != nil {
			return nil, fmt.Errorf("deleting %s rows: %w", typ, err)
		}
	}
	for _, typ := range m.typeOrder {
		t := m.tables[typ]
		if adds := d.adds[typ]; len(adds) > 0 {
			res, err := m.flushAdds(tx, t, adds, commitID, pending)
			if err != nil {
				return nil, err
			}
			resolutions = append(resolutions, res...)
		}
		if updates := d.updates[typ]; len(updates) > 0 {
			rows := make([]types.Fields, len(updates))
			for j, it := range updates {
				row, err := m.toRow(t, it, commitID, pending, true)
				if err != nil {
					return nil, err
				}
				rows[j] = row
			}
			if err := tx.Update(typ, rows); err != nil {
				return nil, fmt.Errorf("updating %s rows: %w", typ, err)
			}
		}
	}
	return resolutions, nil
}

// flushAdds inserts staged additions. A type that refers to itself
// flushes row by row, so a row referring to an earlier addition of the
// same type sees its assigned id.
func (m *Mirror) flushAdds(tx types.CommitTx, t *tableCache, adds []*Item, commitID int64, pending map[string]map[int64]int64) ([]resolution, error) {
	typ := t.def.Type
	pend := func(it *Item, db int64) resolution {
		p := pending[typ]
		if p == nil {
			p = make(map[int64]int64)
			pending[typ] = p
		}
		p[it.ID()] = db
		return resolution{table: t, temp: it.ID(), db: db}
	}
	var resolutions []resolution
	if hasSelfRef(t.def) {
		for _, it := range adds {
			row, err := m.toRow(t, it, commitID, pending, false)
			if err != nil {
				return nil, err
			}
			ids, err := tx.Insert(typ, []types.Fields{row})
			if err != nil {
				return nil, fmt.Errorf("inserting %s row: %w", typ, err)
			}
			if len(ids) != 1 {
				return nil, fmt.Errorf("store returned %d ids for one inserted %s row", len(ids), typ)
			}
			resolutions = append(resolutions, pend(it, ids[0]))
		}
		return resolutions, nil
	}
	rows := make([]types.Fields, len(adds))
	for j, it := range adds {
		row, err := m.toRow(t, it, commitID, pending, false)
		if err != nil {
			return nil, err
		}
		rows[j] = row
	}
	ids, err := tx.Insert(typ, rows)
	if err != nil {
		return nil, fmt.Errorf("inserting %s rows: %w", typ, err)
	}
	if len(ids) != len(adds) {
		return nil, fmt.Errorf("store returned %d ids for %d inserted %s rows", len(ids), len(adds), typ)
	}
	for j, it := range adds {
		resolutions = append(resolutions, pend(it, ids[j]))
	}
	return resolutions, nil
}

// toRow renders an item's stored fields as a store row, translating
// placeholder identities into store ids.
func (m *Mirror) toRow(t *tableCache, it *Item, commitID int64, pending map[string]map[int64]int64, withID bool) (types.Fields, error) {
	idFields := t.def.IDFields()
	if t.def.ExtraIDFields != nil {
		for f, refType := range t.def.ExtraIDFields(it) {
			idFields[f] = refType
		}
	}
	row := make(types.Fields, len(t.def.Fields))
	for _, f := range t.def.Fields {
		switch f {
		case "id":
			if !withID {
				continue
			}
			db, ok := t.dbID(it.ID())
			if !ok {
				return nil, fmt.Errorf("updating %s with unresolved id %d", t.def.Type, it.ID())
			}
			row[f] = db
		case "commit_id":
			row[f] = commitID
		default:
			v := it.fields[f]
			if refType, isRef := idFields[f]; isRef && v != nil {
				translated, err := m.translate(refType, v, pending)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", t.def.Type, f, err)
				}
				v = translated
			}
			row[f] = v
		}
	}
	return row, nil
}

func (m *Mirror) translate(refType string, v any, pending map[string]map[int64]int64) (any, error) {
	t := m.tables[refType]
	one := func(id int64) (int64, error) {
		if db, ok := t.dbID(id); ok {
			return db, nil
		}
		if db, ok := pending[refType][id]; ok {
			return db, nil
		}
		return 0, fmt.Errorf("unresolved placeholder id %d for %s", id, refType)
	}
	if id, ok := schema.AsID(v); ok {
		return one(id)
	}
	ids, err := schema.ParseIDList(v)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(ids))
	for i, id := range ids {
		db, err := one(id)
		if err != nil {
			return nil, err
		}
		out[i] = db
	}
	return out, nil
}

func hasSelfRef(def *schema.Definition) bool {
	for _, ref := range def.References {
		if ref.RefType == def.Type {
			return true
		}
	}
	return false
}

// Rollback discards every staged change: removals are restored, updates
// revert to their committed snapshots, and additions are evicted with
// their placeholder ids never resolving.
func (m *Mirror) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ErrClosed
	}
	found := false
	for _, typ := range m.typeOrder {
		t := m.tables[typ]
		if t.purged {
			found = true
			break
		}
		for _, id := range t.order {
			if t.items[id].status != types.Committed {
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return types.ErrNothingToRollback
	}
	// A rolled-back purge stops swallowing rows as they arrive.
	for _, typ := range m.typeOrder {
		m.tables[typ].purged = false
	}
	// Restoring first makes references valid again before updates
	// revert against them.
	for _, typ := range m.typeOrder {
		t := m.tables[typ]
		for _, id := range t.order {
			it := t.items[id]
			if it.status == types.ToRemove {
				it.cascadeRestore(nil)
			}
		}
	}
	for _, typ := range m.typeOrder {
		t := m.tables[typ]
		for _, id := range t.order {
			it := t.items[id]
			if it.status == types.ToUpdate {
				it.revertUpdate()
			}
		}
	}
	// Evict additions children first, so nothing ever refers to an
	// already evicted item.
	for i := len(m.typeOrder) - 1; i >= 0; i-- {
		t := m.tables[m.typeOrder[i]]
		ids := make([]int64, len(t.order))
		copy(ids, t.order)
		for j := len(ids) - 1; j >= 0; j-- {
			it := t.items[ids[j]]
			if it == nil {
				continue
			}
			if it.status == types.ToAdd || it.status == types.AddedAndRemoved {
				t.evict(it)
			}
		}
	}
	return nil
}
