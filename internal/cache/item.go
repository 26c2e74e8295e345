package cache

import (
	"reflect"

	"github.com/mesh-intelligence/dbmirror/pkg/schema"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// purgeSource marks removals caused by a table purge, so that restoring
// a single item never resurrects a whole purged table by cascade.
var purgeSource = &Item{}

// refKey identifies a referrer across tables.
type refKey struct {
	itemType string
	id       int64
}

// Item is a cached row together with its staged state. The stored
// fields hold identities in the mirror's local id space: placeholder
// ids stay negative until the item is committed, and they remain the
// item's in-memory identity even after the store assigns a real one.
//
// Items are not synchronized. Use an item from the goroutine that
// obtained it, or serialize access externally.
type Item struct {
	table *tableCache
	def   *schema.Definition

	fields types.Fields
	status types.Status

	// backup is the last committed snapshot, set while status is
	// ToUpdate so a rollback or a cancelling edit can revert to it.
	backup types.Fields

	removed           bool
	statusWhenRemoved types.Status
	removalSource     *Item

	// valid memoizes the referential validity check. nil means not
	// yet evaluated.
	valid *bool

	referrers     map[refKey]*Item
	weakReferrers map[refKey]*Item

	updateCallbacks  []func(*Item) bool
	removeCallbacks  []func(*Item) bool
	restoreCallbacks []func(*Item) bool
}

func newItem(t *tableCache, fields types.Fields, status types.Status) *Item {
	return &Item{
		table:         t,
		def:           t.def,
		fields:        fields,
		status:        status,
		referrers:     make(map[refKey]*Item),
		weakReferrers: make(map[refKey]*Item),
	}
}

// Type returns the item-type name.
func (it *Item) Type() string { return it.def.Type }

// ID returns the item's local identity. It is negative while the item
// is a placeholder awaiting a store identity.
func (it *Item) ID() int64 {
	id, _ := schema.AsID(it.fields["id"])
	return id
}

// Status returns the item's staging status.
func (it *Item) Status() types.Status { return it.status }

// IsRemoved reports whether the item is removed, directly or by
// cascade.
func (it *Item) IsRemoved() bool { return it.removed }

// Fields returns a copy of the item's stored fields.
func (it *Item) Fields() types.Fields { return it.fields.Clone() }

// Field resolves a field by name: derived fields first, then fields
// reached through references, then stored fields.
func (it *Item) Field(name string) any {
	if it.def.Compute != nil {
		if v, ok := it.def.Compute(it, name); ok {
			return v
		}
	}
	if ref, ok := it.def.References[name]; ok {
		return it.resolveReference(ref)
	}
	return it.fields[name]
}

// Stored returns a stored field without reference resolution.
func (it *Item) Stored(name string) (any, bool) {
	v, ok := it.fields[name]
	return v, ok
}

// SetField sets a stored field directly. Callers are responsible for
// keeping the unique indexes consistent; the staging hooks use it
// before the item is indexed.
func (it *Item) SetField(name string, value any) { it.fields[name] = value }

// SetDefault sets a stored field only when it is absent.
func (it *Item) SetDefault(name string, value any) {
	if _, ok := it.fields[name]; !ok {
		it.fields[name] = value
	}
}

// UniqueID looks up an item of another type by one of its unique keys,
// fetching from the store until found or exhausted. Zero means not
// found.
func (it *Item) UniqueID(itemType string, key []string, value []any) int64 {
	m := it.table.mirror
	t := m.tables[itemType]
	if t == nil {
		return 0
	}
	m.fetchUntil(itemType, func() bool { return t.uniqueID(key, value) != 0 })
	return t.uniqueID(key, value)
}

// WeakField reads a field of another item, registering this item as a
// weak referrer so it hears about updates without joining the removal
// cascade. No fetching happens; unmaterialized targets read as nil.
func (it *Item) WeakField(itemType string, id int64, field string) any {
	target := it.table.mirror.find(itemType, id)
	if target == nil {
		return nil
	}
	target.addWeakReferrer(it)
	return target.Field(field)
}

// Items returns the valid materialized items of another type, each
// registered as weakly referred by this item.
func (it *Item) Items(itemType string) []schema.Item {
	t := it.table.mirror.tables[itemType]
	if t == nil {
		return nil
	}
	var out []schema.Item
	for _, id := range t.order {
		other := t.items[id]
		if !other.IsValid() {
			continue
		}
		other.addWeakReferrer(it)
		out = append(out, other)
	}
	return out
}

func (it *Item) resolveReference(ref schema.Reference) any {
	src, ok := it.fields[ref.SrcField]
	if !ok || src == nil {
		return nil
	}
	if ids, ok := src.([]int64); ok {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			target := it.strongRef(ref.RefType, id)
			if target == nil {
				return nil
			}
			s, _ := target.Field(ref.RefField).(string)
			out = append(out, s)
		}
		return out
	}
	id, ok := schema.AsID(src)
	if !ok {
		return nil
	}
	target := it.strongRef(ref.RefType, id)
	if target == nil {
		return nil
	}
	return target.Field(ref.RefField)
}

// strongRef finds a referenced item, fetching until found, and joins
// this item to its removal cascade.
func (it *Item) strongRef(itemType string, id int64) *Item {
	m := it.table.mirror
	target := m.find(itemType, id)
	if target == nil {
		m.fetchUntil(itemType, func() bool { return m.find(itemType, id) != nil })
		target = m.find(itemType, id)
	}
	if target != nil {
		target.addReferrer(it)
	}
	return target
}

func (it *Item) key() refKey { return refKey{itemType: it.def.Type, id: it.ID()} }

func (it *Item) addReferrer(r *Item) {
	if r == nil || r == purgeSource {
		return
	}
	it.referrers[r.key()] = r
}

func (it *Item) addWeakReferrer(r *Item) {
	if r == nil || r == purgeSource {
		return
	}
	k := r.key()
	if _, strong := it.referrers[k]; strong {
		return
	}
	it.weakReferrers[k] = r
}

// IsValid reports whether the item is visible: not removed and with
// every strong reference resolving to a valid item. A strong reference
// that fails removes the item, so it joins the cascade of whatever took
// its referent down. The result is memoized until the item's removal
// state changes.
func (it *Item) IsValid() bool {
	if it.valid != nil {
		return *it.valid
	}
	v := !it.removed && it.refsValid()
	it.valid = &v
	return v
}

func (it *Item) refsValid() bool {
	for srcField, refType := range it.def.IDFields() {
		src, ok := it.fields[srcField]
		if !ok || src == nil {
			continue
		}
		ids, ok := refIDs(src)
		if !ok {
			return false
		}
		for _, id := range ids {
			target := it.strongRef(refType, id)
			if target == nil {
				it.cascadeRemove(nil)
				return false
			}
			if !target.IsValid() {
				it.cascadeRemove(target)
				return false
			}
		}
	}
	return true
}

// update merges already validated fields into the item and propagates
// the change. An edit that lands back on the committed snapshot cancels
// the staged update.
func (it *Item) update(merged types.Fields) {
	it.table.deindex(it)
	if it.backup == nil && it.status == types.Committed {
		it.backup = it.fields.Clone()
	}
	it.setFields(merged)
	switch it.status {
	case types.Committed:
		it.status = types.ToUpdate
	case types.ToUpdate:
		if fieldsEqual(it.fields, it.backup) {
			it.status = types.Committed
			it.backup = nil
		}
	}
	it.table.index(it)
	it.cascadeUpdate()
}

// revertUpdate puts the committed snapshot back, dropping the staged
// update.
func (it *Item) revertUpdate() {
	if it.backup == nil {
		return
	}
	it.table.deindex(it)
	it.setFields(it.backup)
	it.backup = nil
	it.status = types.Committed
	it.table.index(it)
	it.cascadeUpdate()
}

// setFields swaps the stored fields, moving this item's referrer
// registrations off the targets the new fields no longer cite and onto
// the ones they now do.
func (it *Item) setFields(merged types.Fields) {
	k := it.key()
	for srcField, refType := range it.def.IDFields() {
		oldIDs, _ := refIDs(it.fields[srcField])
		newIDs, _ := refIDs(merged[srcField])
		kept := make(map[int64]bool, len(newIDs))
		for _, id := range newIDs {
			kept[id] = true
		}
		for _, id := range oldIDs {
			if kept[id] {
				continue
			}
			if target := it.table.mirror.find(refType, id); target != nil {
				delete(target.referrers, k)
				delete(target.weakReferrers, k)
			}
		}
	}
	it.fields = merged
	for srcField, refType := range it.def.IDFields() {
		ids, ok := refIDs(it.fields[srcField])
		if !ok {
			continue
		}
		for _, id := range ids {
			it.strongRef(refType, id)
		}
	}
}

func (it *Item) cascadeUpdate() {
	it.fireUpdate()
	for _, r := range it.referrerList() {
		r.cascadeUpdate()
	}
	it.notifyWeakReferrers()
}

// cascadeRemove removes the item and everything that strongly refers to
// it. source records who caused the removal so that only the matching
// restore undoes it.
func (it *Item) cascadeRemove(source *Item) {
	if it.removed {
		return
	}
	it.removed = true
	it.removalSource = source
	it.statusWhenRemoved = it.status
	switch it.status {
	case types.ToAdd:
		it.status = types.AddedAndRemoved
	case types.Committed, types.ToUpdate:
		it.status = types.ToRemove
	}
	f := false
	it.valid = &f
	it.table.deindex(it)
	for _, r := range it.referrerList() {
		r.cascadeRemove(it)
	}
	it.notifyWeakReferrers()
	it.fireRemove()
}

// cascadeRestore undoes a removal. A nil source forces the restore;
// otherwise only the removal's own source matches.
func (it *Item) cascadeRestore(source *Item) {
	if !it.removed {
		return
	}
	if source != nil && it.removalSource != source {
		return
	}
	it.removed = false
	it.removalSource = nil
	if it.status == types.AddedAndRemoved {
		it.status = types.ToAdd
	} else {
		it.status = it.statusWhenRemoved
	}
	it.valid = nil
	it.table.index(it)
	it.fireRestore()
	for _, r := range it.referrerList() {
		r.cascadeRestore(it)
	}
	it.notifyWeakReferrers()
}

func (it *Item) referrerList() []*Item {
	out := make([]*Item, 0, len(it.referrers))
	for _, r := range it.referrers {
		out = append(out, r)
	}
	return out
}

func (it *Item) notifyWeakReferrers() {
	for _, r := range it.weakReferrers {
		r.fireUpdate()
	}
}

// OnUpdate registers a callback fired when the item or anything it
// refers to changes. A callback that returns false is dropped.
func (it *Item) OnUpdate(fn func(*Item) bool) {
	it.updateCallbacks = append(it.updateCallbacks, fn)
}

// OnRemove registers a callback fired when the item is removed.
func (it *Item) OnRemove(fn func(*Item) bool) {
	it.removeCallbacks = append(it.removeCallbacks, fn)
}

// OnRestore registers a callback fired when the item is restored.
func (it *Item) OnRestore(fn func(*Item) bool) {
	it.restoreCallbacks = append(it.restoreCallbacks, fn)
}

// OnIDResolve registers a callback fired with the store identity once a
// placeholder item is committed. Committed items fire immediately.
func (it *Item) OnIDResolve(fn func(int64)) {
	id := it.ID()
	if id > 0 {
		fn(id)
		return
	}
	if db, ok := it.table.tempToDB[id]; ok {
		fn(db)
		return
	}
	it.table.resolveCallbacks[id] = append(it.table.resolveCallbacks[id], fn)
}

func (it *Item) fireUpdate() { it.updateCallbacks = fire(it, it.updateCallbacks) }

func (it *Item) fireRemove() { it.removeCallbacks = fire(it, it.removeCallbacks) }

func (it *Item) fireRestore() { it.restoreCallbacks = fire(it, it.restoreCallbacks) }

func fire(it *Item, callbacks []func(*Item) bool) []func(*Item) bool {
	kept := callbacks[:0]
	for _, fn := range callbacks {
		if fn(it) {
			kept = append(kept, fn)
		}
	}
	return kept
}

// refIDs flattens a reference field into the ids it points at: a single
// id or an id list.
func refIDs(v any) ([]int64, bool) {
	if id, ok := schema.AsID(v); ok {
		return []int64{id}, true
	}
	ids, err := schema.ParseIDList(v)
	if err != nil {
		return nil, false
	}
	return ids, true
}

func fieldsEqual(a, b types.Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
