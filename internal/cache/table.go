package cache

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/dbmirror/pkg/schema"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// tableCache mirrors one item type's table. Items are keyed by local
// identity: store ids for fetched rows, negative placeholders for
// staged additions. The unique index maps each unique-key value onto
// the owning local id.
type tableCache struct {
	mirror *Mirror
	def    *schema.Definition

	items map[int64]*Item
	order []int64

	nextTemp         int64
	dbToLocal        map[int64]int64
	tempToDB         map[int64]int64
	resolveCallbacks map[int64][]func(int64)

	unique map[string]map[string]int64

	// purged marks the table so rows absorbed after a purge are
	// removed on arrival.
	purged bool
}

func newTableCache(m *Mirror, def *schema.Definition) *tableCache {
	return &tableCache{
		mirror:           m,
		def:              def,
		items:            make(map[int64]*Item),
		dbToLocal:        make(map[int64]int64),
		tempToDB:         make(map[int64]int64),
		resolveCallbacks: make(map[int64][]func(int64)),
		unique:           make(map[string]map[string]int64),
	}
}

func (t *tableCache) find(id int64) *Item {
	return t.items[t.localID(id)]
}

// absorb folds fetched rows into the table. Rows already known, by
// store id, through a resolved placeholder, or by colliding on a unique
// key with an item already present, are skipped, so fetching the same
// page twice changes nothing and a staged item keeps its index slots.
// Indexing is deferred until the whole chunk is in, since rows may
// refer to later rows of the same chunk.
func (t *tableCache) absorb(rows []types.Fields) []*Item {
	fresh := make([]*Item, 0, len(rows))
	for _, row := range rows {
		id, ok := schema.AsID(row["id"])
		if !ok || id <= 0 {
			continue
		}
		if _, exists := t.items[t.localID(id)]; exists {
			continue
		}
		fields := row.Clone()
		if t.def.Normalize != nil {
			t.def.Normalize(fields)
		}
		it := newItem(t, fields, types.Committed)
		if t.claimedElsewhere(it) {
			t.forgetReferrers(it)
			continue
		}
		t.items[id] = it
		t.order = append(t.order, id)
		fresh = append(fresh, it)
	}
	for _, it := range fresh {
		t.index(it)
		if t.purged {
			it.cascadeRemove(purgeSource)
			continue
		}
		t.removeIfOrphaned(it)
	}
	return fresh
}

// claimedElsewhere reports whether another item already owns one of the
// row's unique-key values. Keys that cannot be computed yet, say
// because they derive from rows later in the same chunk, don't count.
func (t *tableCache) claimedElsewhere(it *Item) bool {
	for _, key := range t.def.UniqueKeys {
		value := t.uniqueValues(it, key)
		if value == nil {
			continue
		}
		if owner := t.uniqueID(key, value); owner != 0 && owner != it.ID() {
			return true
		}
	}
	return false
}

// removeIfOrphaned joins a freshly absorbed row to an already staged
// removal of something it refers to, keeping the commit's delete set
// complete.
func (t *tableCache) removeIfOrphaned(it *Item) {
	for srcField, refType := range t.def.IDFields() {
		v, ok := it.fields[srcField]
		if !ok || v == nil {
			continue
		}
		ids, ok := refIDs(v)
		if !ok {
			continue
		}
		for _, id := range ids {
			target := t.mirror.find(refType, id)
			if target != nil && target.removed {
				it.cascadeRemove(target)
				return
			}
		}
	}
}

// checkAdd validates candidate fields and builds the staged item:
// normalization, name-to-id resolution, defaults, the type's polish
// hook, reference existence, and unique-key conflicts. The returned
// item carries a fresh placeholder id and is not yet in the table.
func (t *tableCache) checkAdd(in types.Fields) (*Item, error) {
	fields := in.Clone()
	if t.def.Normalize != nil {
		t.def.Normalize(fields)
	}
	if err := t.resolveInverse(fields); err != nil {
		return nil, err
	}
	stored := make(types.Fields)
	for _, f := range t.def.Fields {
		if f == "id" || f == "commit_id" {
			continue
		}
		if v, ok := fields[f]; ok {
			stored[f] = v
		}
	}
	stored["id"] = t.mintTemp()
	it := newItem(t, stored, types.ToAdd)
	for k, v := range t.def.Defaults {
		it.SetDefault(k, v)
	}
	if t.def.Polish != nil {
		if err := t.def.Polish(it); err != nil {
			t.forgetReferrers(it)
			return nil, err
		}
	}
	if err := t.checkRefs(it); err != nil {
		t.forgetReferrers(it)
		return nil, err
	}
	if err := t.checkUniqueConflicts(it, 0); err != nil {
		t.forgetReferrers(it)
		return nil, err
	}
	return it, nil
}

func (t *tableCache) addStaged(it *Item) {
	id := it.ID()
	t.items[id] = it
	t.order = append(t.order, id)
	t.index(it)
}

// checkUpdate validates candidate updates against an existing item and
// returns the merged stored fields. A nil result with nil error means
// the updates change nothing.
func (t *tableCache) checkUpdate(it *Item, in types.Fields) (types.Fields, error) {
	updates := in.Clone()
	if t.def.Normalize != nil {
		t.def.Normalize(updates)
	}
	if err := t.resolveInverse(updates); err != nil {
		return nil, err
	}
	merged := it.fields.Clone()
	changed := false
	for _, f := range t.def.Fields {
		if f == "id" || f == "commit_id" {
			continue
		}
		v, ok := updates[f]
		if !ok {
			continue
		}
		if reflect.DeepEqual(merged[f], v) {
			continue
		}
		merged[f] = v
		changed = true
	}
	if !changed {
		return nil, nil
	}
	if t.def.CheckUpdate != nil {
		if err := t.def.CheckUpdate(it, updates); err != nil {
			return nil, err
		}
	}
	// A throwaway item with its own placeholder id carries the merged
	// fields through the reference and uniqueness checks, so the real
	// item's referrer registrations stay untouched.
	shadow := newItem(t, merged.Clone(), it.status)
	shadow.fields["id"] = t.mintTemp()
	defer t.forgetReferrers(shadow)
	if err := t.checkRefs(shadow); err != nil {
		return nil, err
	}
	if err := t.checkUniqueConflicts(shadow, it.ID()); err != nil {
		return nil, err
	}
	return merged, nil
}

// resolveInverse fills missing id fields from the corresponding name
// fields. Fields named *_id_list resolve positionally, zipping the
// source lists; anything else is a single unique-key lookup.
func (t *tableCache) resolveInverse(fields types.Fields) error {
	for idField, inv := range t.def.Inverse {
		if v, ok := fields[idField]; ok && v != nil {
			continue
		}
		srcs := make([]any, len(inv.SrcFields))
		missing := false
		for i, s := range inv.SrcFields {
			v, ok := fields[s]
			if !ok || v == nil {
				missing = true
				break
			}
			srcs[i] = v
		}
		if missing {
			continue
		}
		if strings.HasSuffix(idField, "_id_list") {
			ids, err := t.resolvePositional(idField, inv, srcs)
			if err != nil {
				return err
			}
			fields[idField] = ids
			continue
		}
		id := t.mirror.lookupUnique(inv.RefType, inv.RefKey, srcs)
		if id == 0 {
			return types.Validationf(t.def.Type, "no %s matching %s %v",
				inv.RefType, strings.Join(inv.SrcFields, ", "), srcs)
		}
		fields[idField] = id
	}
	return nil
}

func (t *tableCache) resolvePositional(idField string, inv schema.InverseReference, srcs []any) ([]int64, error) {
	lists := make([][]string, len(srcs))
	for i, src := range srcs {
		list, ok := toStringList(src)
		if !ok {
			return nil, types.Validationf(t.def.Type, "%s is not a name list", inv.SrcFields[i])
		}
		lists[i] = list
	}
	n := len(lists[0])
	for _, list := range lists[1:] {
		if len(list) != n {
			return nil, types.Validationf(t.def.Type, "%s source lists differ in length", idField)
		}
	}
	ids := make([]int64, n)
	for pos := 0; pos < n; pos++ {
		value := make([]any, len(lists))
		for i, list := range lists {
			value[i] = list[pos]
		}
		id := t.mirror.lookupUnique(inv.RefType, inv.RefKey, value)
		if id == 0 {
			return nil, types.Validationf(t.def.Type, "no %s matching %v", inv.RefType, value)
		}
		ids[pos] = id
	}
	return ids, nil
}

// checkRefs verifies every id field points at a valid item, fetching as
// needed. Scalar id fields are required unless the type declares a nil
// default for them; id lists may be absent.
func (t *tableCache) checkRefs(it *Item) error {
	for srcField, refType := range t.def.IDFields() {
		v := it.fields[srcField]
		if v == nil {
			if strings.HasSuffix(srcField, "_id_list") {
				continue
			}
			if dv, has := t.def.Defaults[srcField]; has && dv == nil {
				continue
			}
			return types.Validationf(t.def.Type, "missing %s", srcField)
		}
		ids, ok := refIDs(v)
		if !ok {
			return types.Validationf(t.def.Type, "invalid %s value %v", srcField, v)
		}
		for _, id := range ids {
			ref := it.strongRef(refType, id)
			if ref == nil || !ref.IsValid() {
				return types.Validationf(t.def.Type, "non-existent %s with id %d", refType, id)
			}
		}
	}
	return nil
}

// checkUniqueConflicts rejects the item when a valid item other than
// excludeID already claims one of its unique-key values, looking in the
// store as well as the cache. At least one unique key must be
// computable.
func (t *tableCache) checkUniqueConflicts(it *Item, excludeID int64) error {
	resolved := 0
	for _, key := range t.def.UniqueKeys {
		value := t.uniqueValues(it, key)
		if value == nil {
			continue
		}
		resolved++
		existing := t.mirror.lookupUnique(t.def.Type, key, value)
		if existing == 0 || existing == excludeID {
			continue
		}
		if other := t.items[existing]; other != nil && other.IsValid() {
			return types.Validationf(t.def.Type, "there's already a %s with %s %v",
				t.def.Type, strings.Join(key, ", "), value)
		}
	}
	if resolved == 0 {
		return types.Validationf(t.def.Type, "missing fields for unique keys")
	}
	return nil
}

// uniqueValues computes a unique key's values for an item, nil when any
// component is unresolvable.
func (t *tableCache) uniqueValues(it *Item, key []string) []any {
	value := make([]any, len(key))
	for i, f := range key {
		v := it.Field(f)
		if v == nil {
			return nil
		}
		value[i] = v
	}
	return value
}

func (t *tableCache) index(it *Item) {
	if it.removed {
		return
	}
	for _, key := range t.def.UniqueKeys {
		value := t.uniqueValues(it, key)
		if value == nil {
			continue
		}
		name := strings.Join(key, ",")
		m := t.unique[name]
		if m == nil {
			m = make(map[string]int64)
			t.unique[name] = m
		}
		m[encodeUniqueValue(value)] = it.ID()
	}
}

func (t *tableCache) deindex(it *Item) {
	for _, key := range t.def.UniqueKeys {
		value := t.uniqueValues(it, key)
		if value == nil {
			continue
		}
		name := strings.Join(key, ",")
		enc := encodeUniqueValue(value)
		if t.unique[name][enc] == it.ID() {
			delete(t.unique[name], enc)
		}
	}
}

// uniqueID returns the local id indexed under a unique-key value, zero
// when absent. It does not fetch.
func (t *tableCache) uniqueID(key []string, value []any) int64 {
	return t.unique[strings.Join(key, ",")][encodeUniqueValue(value)]
}

// evict drops a staged addition from the table on rollback. The
// placeholder id never resolves; remove callbacks fire so subscribers
// let go of the item.
func (t *tableCache) evict(it *Item) {
	t.deindex(it)
	id := it.ID()
	delete(t.items, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.unresolveTemp(id)
	t.forgetReferrers(it)
	it.fireRemove()
}

// forgetReferrers removes the item from the referrer maps of everything
// it points at.
func (t *tableCache) forgetReferrers(it *Item) {
	k := it.key()
	for srcField, refType := range t.def.IDFields() {
		v, ok := it.fields[srcField]
		if !ok || v == nil {
			continue
		}
		ids, ok := refIDs(v)
		if !ok {
			continue
		}
		for _, id := range ids {
			if target := t.mirror.find(refType, id); target != nil {
				delete(target.referrers, k)
				delete(target.weakReferrers, k)
			}
		}
	}
}

func encodeUniqueValue(value []any) string {
	parts := make([]string, len(value))
	for i, v := range value {
		parts[i] = encodeUniquePart(v)
	}
	return strings.Join(parts, "\x1f")
}

func encodeUniquePart(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	case []int64:
		return schema.JoinIDList(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toStringList(v any) ([]string, bool) {
	switch x := v.(type) {
	case []string:
		return x, true
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		if x == "" {
			return []string{}, true
		}
		return strings.Split(x, ","), true
	default:
		return nil, false
	}
}
