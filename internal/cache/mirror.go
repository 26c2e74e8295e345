package cache

import (
	"fmt"
	"sync"

	"github.com/mesh-intelligence/dbmirror/pkg/schema"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// Mirror is the in-memory image of a backing store. It fetches rows
// incrementally, one page per call, and stages edits that a commit
// flushes back in dependency order. All methods are safe for concurrent
// use; a single mutex serializes them, including the fetches that reads
// trigger.
type Mirror struct {
	mu sync.Mutex

	store    types.Backstore
	registry *schema.Registry
	cfg      types.Config

	tables    map[string]*tableCache
	typeOrder []string
	// descend maps each type onto the types that depend on it,
	// directly or transitively, in fetch order.
	descend map[string][]string

	offsets   map[string]int
	exhausted map[string]bool

	// fetchErr records a store failure that surfaced inside a lookup
	// hook, where no error can propagate directly.
	fetchErr error

	baseCommitCount int
	closed          bool
}

// New builds a mirror of the given store using the default item-type
// registry.
func New(store types.Backstore, cfg types.Config) (*Mirror, error) {
	return NewWithRegistry(store, cfg, schema.DefaultRegistry())
}

// NewWithRegistry builds a mirror over a custom registry.
func NewWithRegistry(store types.Backstore, cfg types.Config, registry *schema.Registry) (*Mirror, error) {
	m := &Mirror{
		store:     store,
		registry:  registry,
		cfg:       cfg,
		tables:    make(map[string]*tableCache),
		offsets:   make(map[string]int),
		exhausted: make(map[string]bool),
	}
	m.typeOrder = sortItemTypes(registry)
	for _, typ := range m.typeOrder {
		def, _ := registry.Definition(typ)
		m.tables[typ] = newTableCache(m, def)
	}
	m.descend = descendants(registry, m.typeOrder)
	count, err := store.CommitCount()
	if err != nil {
		return nil, fmt.Errorf("reading commit count: %w", err)
	}
	m.baseCommitCount = count
	return m, nil
}

// sortItemTypes orders types so every type comes after the types it
// refers to. Self-references are ignored.
func sortItemTypes(registry *schema.Registry) []string {
	pending := registry.Types()
	sorted := make([]string, 0, len(pending))
	placed := make(map[string]bool, len(pending))
	stalled := 0
	for len(pending) > 0 {
		typ := pending[0]
		pending = pending[1:]
		def, _ := registry.Definition(typ)
		ready := true
		for dep := range def.RefTypes() {
			if _, known := registry.Definition(dep); known && !placed[dep] {
				ready = false
				break
			}
		}
		if !ready {
			pending = append(pending, typ)
			stalled++
			if stalled > len(pending) {
				panic(fmt.Sprintf("reference cycle involving item type %q", typ))
			}
			continue
		}
		sorted = append(sorted, typ)
		placed[typ] = true
		stalled = 0
	}
	return sorted
}

// descendants computes, for each type, the types that transitively
// refer to it, in sorted order.
func descendants(registry *schema.Registry, sorted []string) map[string][]string {
	deps := make(map[string]map[string]bool, len(sorted))
	for _, typ := range sorted {
		def, _ := registry.Definition(typ)
		all := make(map[string]bool)
		for dep := range def.RefTypes() {
			if _, known := registry.Definition(dep); !known {
				continue
			}
			all[dep] = true
			for indirect := range deps[dep] {
				all[indirect] = true
			}
		}
		deps[typ] = all
	}
	out := make(map[string][]string, len(sorted))
	for _, ancestor := range sorted {
		for _, typ := range sorted {
			if deps[typ][ancestor] {
				out[ancestor] = append(out[ancestor], typ)
			}
		}
	}
	return out
}

// ItemTypes returns the known item types in dependency order.
func (m *Mirror) ItemTypes() []string {
	out := make([]string, len(m.typeOrder))
	copy(out, m.typeOrder)
	return out
}

func (m *Mirror) table(itemType string) (*tableCache, error) {
	if m.closed {
		return nil, types.ErrClosed
	}
	t := m.tables[itemType]
	if t == nil {
		return nil, fmt.Errorf("%q: %w", itemType, types.ErrUnknownItemType)
	}
	return t, nil
}

func (m *Mirror) find(itemType string, id int64) *Item {
	t := m.tables[itemType]
	if t == nil {
		return nil
	}
	return t.find(id)
}

func (m *Mirror) chunk() int {
	if m.cfg.ChunkSize > 0 {
		return m.cfg.ChunkSize
	}
	return types.DefaultChunkSize
}

// fetchMore pulls the next page of one type from the store and absorbs
// it. The offset advances before absorption so nested fetches triggered
// by reference resolution never re-read the same page.
func (m *Mirror) fetchMore(itemType string) (int, error) {
	if m.exhausted[itemType] {
		return 0, nil
	}
	chunk := m.chunk()
	rows, err := m.store.Query(itemType, chunk, m.offsets[itemType])
	if err != nil {
		return 0, fmt.Errorf("fetching %s: %w", itemType, err)
	}
	m.offsets[itemType] += len(rows)
	if len(rows) < chunk {
		m.exhausted[itemType] = true
	}
	m.tables[itemType].absorb(rows)
	return len(rows), nil
}

// fetchUntil fetches pages of a type until the predicate holds or the
// store is exhausted. The predicate is evaluated once more after the
// loop: an absorption nested inside a fetch may have satisfied it
// between the last check and the last page.
func (m *Mirror) fetchUntil(itemType string, pred func() bool) bool {
	for !pred() {
		n, err := m.fetchMore(itemType)
		if err != nil {
			if m.fetchErr == nil {
				m.fetchErr = err
			}
			return false
		}
		if n == 0 {
			break
		}
	}
	return pred()
}

func (m *Mirror) fetchAllLocked(itemType string) error {
	for !m.exhausted[itemType] {
		n, err := m.fetchMore(itemType)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

func (m *Mirror) fetchDescendants(itemType string) error {
	for _, typ := range m.descend[itemType] {
		if err := m.fetchAllLocked(typ); err != nil {
			return err
		}
	}
	return nil
}

// lookupUnique finds the local id holding a unique-key value, fetching
// until found or the type is exhausted. Zero means not found.
func (m *Mirror) lookupUnique(itemType string, key []string, value []any) int64 {
	t := m.tables[itemType]
	if t == nil {
		return 0
	}
	m.fetchUntil(itemType, func() bool { return t.uniqueID(key, value) != 0 })
	return t.uniqueID(key, value)
}

func (m *Mirror) takeFetchErr() error {
	err := m.fetchErr
	m.fetchErr = nil
	return err
}

// GetItem returns the valid item with the given id, fetching from the
// store as needed. Removed and unknown ids report ErrNotFound.
func (m *Mirror) GetItem(itemType string, id int64) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(itemType)
	if err != nil {
		return nil, err
	}
	it := m.findFetch(t, id)
	if err := m.takeFetchErr(); err != nil {
		return nil, err
	}
	if it == nil || !it.IsValid() {
		return nil, fmt.Errorf("%s with id %d: %w", itemType, id, types.ErrNotFound)
	}
	return it, nil
}

func (m *Mirror) findFetch(t *tableCache, id int64) *Item {
	if it := t.find(id); it != nil {
		return it
	}
	m.fetchUntil(t.def.Type, func() bool { return t.find(id) != nil })
	return t.find(id)
}

// FindItem locates an item by unique-key values given as fields, e.g. a
// name. The first unique key fully present in the fields decides the
// lookup.
func (m *Mirror) FindItem(itemType string, fields types.Fields) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(itemType)
	if err != nil {
		return nil, err
	}
	for _, key := range t.def.UniqueKeys {
		value := make([]any, len(key))
		complete := true
		for i, f := range key {
			v, ok := fields[f]
			if !ok || v == nil {
				complete = false
				break
			}
			value[i] = v
		}
		if !complete {
			continue
		}
		id := m.lookupUnique(itemType, key, value)
		if err := m.takeFetchErr(); err != nil {
			return nil, err
		}
		if id == 0 {
			continue
		}
		if it := t.items[id]; it != nil && it.IsValid() {
			return it, nil
		}
	}
	return nil, fmt.Errorf("%s matching %v: %w", itemType, fields, types.ErrNotFound)
}

// GetItems returns every valid item of a type, fetching the whole table
// first.
func (m *Mirror) GetItems(itemType string) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(itemType)
	if err != nil {
		return nil, err
	}
	if err := m.fetchAllLocked(itemType); err != nil {
		return nil, err
	}
	if err := m.takeFetchErr(); err != nil {
		return nil, err
	}
	var out []*Item
	for _, id := range t.order {
		if it := t.items[id]; it.IsValid() {
			out = append(out, it)
		}
	}
	return out, nil
}

// AddItem stages a new item. The returned item carries a placeholder id
// that resolves to a store id on commit. Validation failures are
// returned as ValidationError values.
func (m *Mirror) AddItem(itemType string, fields types.Fields) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(itemType)
	if err != nil {
		return nil, err
	}
	it, checkErr := t.checkAdd(fields)
	if err := m.takeFetchErr(); err != nil {
		return nil, err
	}
	if checkErr != nil {
		return nil, checkErr
	}
	t.addStaged(it)
	return it, nil
}

// UpdateItem stages field changes on an item. Updating an item back to
// its committed state reverts it to committed; updates that change
// nothing are a no-op.
func (m *Mirror) UpdateItem(itemType string, id int64, fields types.Fields) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(itemType)
	if err != nil {
		return nil, err
	}
	it := m.findFetch(t, id)
	if err := m.takeFetchErr(); err != nil {
		return nil, err
	}
	if it == nil || !it.IsValid() {
		return nil, fmt.Errorf("%s with id %d: %w", itemType, id, types.ErrNotFound)
	}
	merged, checkErr := t.checkUpdate(it, fields)
	if err := m.takeFetchErr(); err != nil {
		return nil, err
	}
	if checkErr != nil {
		return nil, checkErr
	}
	if merged == nil {
		return it, nil
	}
	it.update(merged)
	return it, nil
}

// RemoveItem stages the removal of an item and of everything that
// strongly refers to it. Types that may refer to the item are fetched
// in full first, so the removal cascade is complete.
func (m *Mirror) RemoveItem(itemType string, id int64) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(itemType)
	if err != nil {
		return nil, err
	}
	it := m.findFetch(t, id)
	if err := m.takeFetchErr(); err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("%s with id %d: %w", itemType, id, types.ErrNotFound)
	}
	if it.removed {
		return it, nil
	}
	if err := m.fetchDescendants(itemType); err != nil {
		return nil, err
	}
	it.cascadeRemove(nil)
	return it, nil
}

// RestoreItem undoes the removal of an item, restoring whatever was
// removed in its cascade. An item that went down as part of another
// item's cascade cannot be restored on its own: restoring the item that
// caused the removal brings it back.
func (m *Mirror) RestoreItem(itemType string, id int64) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(itemType)
	if err != nil {
		return nil, err
	}
	it := m.findFetch(t, id)
	if err := m.takeFetchErr(); err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("%s with id %d: %w", itemType, id, types.ErrNotFound)
	}
	if it.removed {
		if src := it.removalSource; src != nil && src != purgeSource {
			return nil, fmt.Errorf("%s with id %d: %w", itemType, id, types.ErrRemovedByCascade)
		}
		it.cascadeRestore(nil)
	}
	return it, nil
}

// Purge stages the removal of every item of the given types, or of all
// types when none are given. Rows of a purged type absorbed later are
// removed on arrival.
func (m *Mirror) Purge(itemTypes ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ErrClosed
	}
	selected := itemTypes
	if len(selected) == 0 {
		selected = m.typeOrder
	}
	for _, typ := range selected {
		if m.tables[typ] == nil {
			return fmt.Errorf("%q: %w", typ, types.ErrUnknownItemType)
		}
	}
	for _, typ := range selected {
		if err := m.fetchAllLocked(typ); err != nil {
			return err
		}
		t := m.tables[typ]
		t.purged = true
		ids := make([]int64, len(t.order))
		copy(ids, t.order)
		for _, id := range ids {
			if it := t.items[id]; it != nil && !it.removed {
				it.cascadeRemove(purgeSource)
			}
		}
	}
	return m.takeFetchErr()
}

// FetchMore materializes the next page of a type, returning how many
// rows the store delivered. Zero means the type is exhausted.
func (m *Mirror) FetchMore(itemType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.table(itemType); err != nil {
		return 0, err
	}
	n, err := m.fetchMore(itemType)
	if err != nil {
		return 0, err
	}
	if ferr := m.takeFetchErr(); ferr != nil {
		return n, ferr
	}
	return n, nil
}

// FetchAll materializes the given types in full, or every type when
// none are given.
func (m *Mirror) FetchAll(itemTypes ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ErrClosed
	}
	selected := itemTypes
	if len(selected) == 0 {
		selected = m.typeOrder
	}
	for _, typ := range selected {
		if m.tables[typ] == nil {
			return fmt.Errorf("%q: %w", typ, types.ErrUnknownItemType)
		}
	}
	for _, typ := range selected {
		if err := m.fetchAllLocked(typ); err != nil {
			return err
		}
	}
	return m.takeFetchErr()
}

// Refresh resets the fetch cursors so rows committed to the store by
// others become fetchable. Cached items and staged changes are kept;
// re-fetched rows are absorbed idempotently.
func (m *Mirror) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = make(map[string]int)
	m.exhausted = make(map[string]bool)
}

// HasExternalCommits reports whether the store has commits this mirror
// neither fetched at open nor wrote itself.
func (m *Mirror) HasExternalCommits() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, types.ErrClosed
	}
	count, err := m.store.CommitCount()
	if err != nil {
		return false, fmt.Errorf("reading commit count: %w", err)
	}
	return count != m.baseCommitCount, nil
}

// Close releases the backing store. Further calls report ErrClosed.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.store.Close()
}
