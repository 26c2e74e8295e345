package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/dbmirror/pkg/schema"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

func newTestMirror(t *testing.T, store *fakeStore, chunk int) *Mirror {
	t.Helper()
	m, err := New(store, types.Config{ChunkSize: chunk})
	require.NoError(t, err)
	return m
}

func TestFetchPagination(t *testing.T) {
	store := newFakeStore()
	for _, name := range []string{"a1", "a2", "a3", "a4", "a5"} {
		store.seed(schema.TypeAlternative, row("name", name))
	}
	m := newTestMirror(t, store, 2)

	counts := []int{}
	for {
		n, err := m.FetchMore(schema.TypeAlternative)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		counts = append(counts, n)
	}
	assert.Equal(t, []int{2, 2, 1}, counts)

	items, err := m.GetItems(schema.TypeAlternative)
	require.NoError(t, err)
	assert.Len(t, items, 5)
}

func TestAbsorbIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.seed(schema.TypeAlternative, row("name", "a1"))
	store.seed(schema.TypeAlternative, row("name", "a2"))
	m := newTestMirror(t, store, 10)

	require.NoError(t, m.FetchAll(schema.TypeAlternative))
	first, err := m.GetItems(schema.TypeAlternative)
	require.NoError(t, err)

	// Re-reading the same rows must not duplicate or replace them.
	m.Refresh()
	require.NoError(t, m.FetchAll(schema.TypeAlternative))
	second, err := m.GetItems(schema.TypeAlternative)
	require.NoError(t, err)

	require.Len(t, second, 2)
	assert.Same(t, first[0], second[0])
	assert.Same(t, first[1], second[1])
}

func TestGetItemFetchesOnDemand(t *testing.T) {
	store := newFakeStore()
	id := store.seed(schema.TypeAlternative, row("name", "a1"))
	m := newTestMirror(t, store, 10)

	it, err := m.GetItem(schema.TypeAlternative, id)
	require.NoError(t, err)
	assert.Equal(t, "a1", it.Field("name"))
	assert.Equal(t, types.Committed, it.Status())

	_, err = m.GetItem(schema.TypeAlternative, 99)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUnknownTypeAndClosed(t *testing.T) {
	store := newFakeStore()
	m := newTestMirror(t, store, 10)

	_, err := m.GetItems("no_such_type")
	assert.ErrorIs(t, err, types.ErrUnknownItemType)

	require.NoError(t, m.Close())
	assert.True(t, store.closed)
	_, err = m.GetItems(schema.TypeAlternative)
	assert.ErrorIs(t, err, types.ErrClosed)
}

func TestAddResolvesNamesToIDs(t *testing.T) {
	store := newFakeStore()
	classID := store.seed(schema.TypeEntityClass, row("name", "unit"))
	m := newTestMirror(t, store, 10)

	it, err := m.AddItem(schema.TypeEntity, row("class_name", "unit", "name", "plant_a"))
	require.NoError(t, err)
	assert.Less(t, it.ID(), int64(0))
	assert.Equal(t, types.ToAdd, it.Status())
	got, _ := it.Stored("class_id")
	gotID, ok := schema.AsID(got)
	require.True(t, ok)
	assert.Equal(t, classID, gotID)
	assert.Equal(t, "unit", it.Field("class_name"))
}

func TestAddRejectsUniqueConflict(t *testing.T) {
	store := newFakeStore()
	store.seed(schema.TypeEntityClass, row("name", "unit"))
	m := newTestMirror(t, store, 10)

	_, err := m.AddItem(schema.TypeEntityClass, row("name", "unit"))
	require.Error(t, err)
	assert.True(t, types.IsValidation(err), "want validation error, got %v", err)
}

func TestAddRejectsMissingReference(t *testing.T) {
	store := newFakeStore()
	m := newTestMirror(t, store, 10)

	_, err := m.AddItem(schema.TypeEntity, row("class_id", 99, "name", "plant_a"))
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	_, err = m.AddItem(schema.TypeEntity, row("class_name", "nope", "name", "plant_a"))
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestAddAppliesDefaults(t *testing.T) {
	store := newFakeStore()
	m := newTestMirror(t, store, 10)

	it, err := m.AddItem(schema.TypeEntityClass, row("name", "unit"))
	require.NoError(t, err)
	assert.Equal(t, int64(99), it.Field("display_order"))
	assert.Equal(t, false, it.Field("hidden"))
}

func TestMultiDimensionalEntityName(t *testing.T) {
	store := newFakeStore()
	m := newTestMirror(t, store, 10)

	unit, err := m.AddItem(schema.TypeEntityClass, row("name", "unit"))
	require.NoError(t, err)
	node, err := m.AddItem(schema.TypeEntityClass, row("name", "node"))
	require.NoError(t, err)
	_, err = m.AddItem(schema.TypeEntityClass, row(
		"name", "flow",
		"dimension_id_list", []int64{unit.ID(), node.ID()},
	))
	require.NoError(t, err)

	_, err = m.AddItem(schema.TypeEntity, row("class_name", "unit", "name", "u1"))
	require.NoError(t, err)
	_, err = m.AddItem(schema.TypeEntity, row("class_name", "node", "name", "n1"))
	require.NoError(t, err)

	flow, err := m.AddItem(schema.TypeEntity, row(
		"class_name", "flow",
		"dimension_name_list", []string{"unit", "node"},
		"element_name_list", []string{"u1", "n1"},
	))
	require.NoError(t, err)
	assert.Equal(t, "flow_u1__n1", flow.Field("name"))
	assert.Equal(t, []string{"u1", "n1"}, flow.Field("element_name_list"))
	assert.Equal(t, []string{"u1", "n1"}, flow.Field("byname"))
}

func TestUpdateStagesAndCancelsOut(t *testing.T) {
	store := newFakeStore()
	id := store.seed(schema.TypeAlternative, row("name", "a1", "description", "orig"))
	m := newTestMirror(t, store, 10)

	it, err := m.UpdateItem(schema.TypeAlternative, id, row("description", "new"))
	require.NoError(t, err)
	assert.Equal(t, types.ToUpdate, it.Status())
	assert.Equal(t, "new", it.Field("description"))

	// Editing back to the committed state cancels the staged update.
	it, err = m.UpdateItem(schema.TypeAlternative, id, row("description", "orig"))
	require.NoError(t, err)
	assert.Equal(t, types.Committed, it.Status())

	// A no-op update stages nothing.
	it, err = m.UpdateItem(schema.TypeAlternative, id, row("description", "orig"))
	require.NoError(t, err)
	assert.Equal(t, types.Committed, it.Status())
}

func TestUpdatePropagatesThroughReferences(t *testing.T) {
	store := newFakeStore()
	classID := store.seed(schema.TypeEntityClass, row("name", "unit"))
	entityID := store.seed(schema.TypeEntity, row("class_id", classID, "name", "plant_a"))
	m := newTestMirror(t, store, 10)

	entity, err := m.GetItem(schema.TypeEntity, entityID)
	require.NoError(t, err)
	assert.Equal(t, "unit", entity.Field("class_name"))

	var notified bool
	entity.OnUpdate(func(*Item) bool {
		notified = true
		return true
	})

	_, err = m.UpdateItem(schema.TypeEntityClass, classID, row("name", "power_unit"))
	require.NoError(t, err)
	assert.Equal(t, "power_unit", entity.Field("class_name"))
	assert.True(t, notified)
}

func TestCascadeRemoveAndRestore(t *testing.T) {
	store := newFakeStore()
	classID := store.seed(schema.TypeEntityClass, row("name", "unit"))
	entityID := store.seed(schema.TypeEntity, row("class_id", classID, "name", "plant_a"))
	m := newTestMirror(t, store, 10)

	_, err := m.RemoveItem(schema.TypeEntityClass, classID)
	require.NoError(t, err)

	// The entity goes down with its class, without being named.
	_, err = m.GetItem(schema.TypeEntity, entityID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	entity := m.tables[schema.TypeEntity].find(entityID)
	require.NotNil(t, entity)
	assert.Equal(t, types.ToRemove, entity.Status())

	// Restoring the class restores its cascade.
	_, err = m.RestoreItem(schema.TypeEntityClass, classID)
	require.NoError(t, err)
	restored, err := m.GetItem(schema.TypeEntity, entityID)
	require.NoError(t, err)
	assert.Same(t, entity, restored)
	assert.Equal(t, types.Committed, restored.Status())
}

func TestRemoveStagedAddLeavesNoTrace(t *testing.T) {
	store := newFakeStore()
	m := newTestMirror(t, store, 10)

	it, err := m.AddItem(schema.TypeAlternative, row("name", "a1"))
	require.NoError(t, err)
	_, err = m.RemoveItem(schema.TypeAlternative, it.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AddedAndRemoved, it.Status())

	// Nothing dirty as far as the store is concerned.
	_, err = m.Commit("noop")
	assert.ErrorIs(t, err, types.ErrNothingToCommit)
}

func TestPurgeRemovesLaterArrivals(t *testing.T) {
	store := newFakeStore()
	store.seed(schema.TypeAlternative, row("name", "a1"))
	store.seed(schema.TypeAlternative, row("name", "a2"))
	m := newTestMirror(t, store, 10)

	require.NoError(t, m.Purge(schema.TypeAlternative))
	items, err := m.GetItems(schema.TypeAlternative)
	require.NoError(t, err)
	assert.Empty(t, items)

	// A row committed by someone else after the purge is swallowed on
	// arrival.
	store.seed(schema.TypeAlternative, row("name", "a3"))
	m.Refresh()
	require.NoError(t, m.FetchAll(schema.TypeAlternative))
	items, err = m.GetItems(schema.TypeAlternative)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestScenarioDerivedLists(t *testing.T) {
	store := newFakeStore()
	a1 := store.seed(schema.TypeAlternative, row("name", "base"))
	a2 := store.seed(schema.TypeAlternative, row("name", "high_demand"))
	sc := store.seed(schema.TypeScenario, row("name", "s1", "active", 1))
	store.seed(schema.TypeScenarioAlternative, row("scenario_id", sc, "alternative_id", a2, "rank", 2))
	sa1 := store.seed(schema.TypeScenarioAlternative, row("scenario_id", sc, "alternative_id", a1, "rank", 1))
	m := newTestMirror(t, store, 10)
	require.NoError(t, m.FetchAll())

	scenario, err := m.GetItem(schema.TypeScenario, sc)
	require.NoError(t, err)
	assert.Equal(t, true, scenario.Field("active"))
	assert.Equal(t, []int64{a1, a2}, scenario.Field("alternative_id_list"))
	assert.Equal(t, []string{"base", "high_demand"}, scenario.Field("alternative_name_list"))

	first, err := m.GetItem(schema.TypeScenarioAlternative, sa1)
	require.NoError(t, err)
	assert.Equal(t, a2, first.Field("before_alternative_id"))
	assert.Equal(t, "high_demand", first.Field("before_alternative_name"))
}

func TestParameterValueListCoercion(t *testing.T) {
	store := newFakeStore()
	classID := store.seed(schema.TypeEntityClass, row("name", "unit"))
	listID := store.seed(schema.TypeParameterValueList, row("name", "fuels"))
	coal := store.seed(schema.TypeListValue, row(
		"parameter_value_list_id", listID, "index", 0, "type", "str", "value", "coal"))
	store.seed(schema.TypeListValue, row(
		"parameter_value_list_id", listID, "index", 1, "type", "str", "value", "gas"))
	m := newTestMirror(t, store, 10)

	def, err := m.AddItem(schema.TypeParameterDefinition, row(
		"entity_class_name", "unit",
		"name", "fuel",
		"parameter_value_list_name", "fuels",
		"default_value", "coal",
		"default_type", "str",
	))
	require.NoError(t, err)
	// The literal default got rewritten into a list-value reference.
	storedType, _ := def.Stored("default_type")
	assert.Equal(t, "list_value_ref", storedType)
	assert.Equal(t, coal, def.Field("list_value_id"))
	assert.Equal(t, "coal", def.Field("default_value"))
	assert.Equal(t, "str", def.Field("default_type"))
	got, _ := schema.AsID(def.Field("entity_class_id"))
	assert.Equal(t, classID, got)

	_, err = m.AddItem(schema.TypeParameterDefinition, row(
		"entity_class_name", "unit",
		"name", "fuel2",
		"parameter_value_list_name", "fuels",
		"default_value", "oil",
		"default_type", "str",
	))
	require.Error(t, err)
	assert.True(t, types.IsValidation(err), "off-list default must be rejected, got %v", err)
}

func TestFetchKeepsStagedItemOnUniqueCollision(t *testing.T) {
	store := newFakeStore()
	m := newTestMirror(t, store, 10)

	staged, err := m.AddItem(schema.TypeAlternative, row("name", "a1"))
	require.NoError(t, err)

	// Someone else committed the same alternative; fetching it must not
	// materialize a double next to the staged one.
	store.seed(schema.TypeAlternative, row("name", "a1"))
	require.NoError(t, m.FetchAll(schema.TypeAlternative))

	items, err := m.GetItems(schema.TypeAlternative)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Same(t, staged, items[0])
	assert.Equal(t, types.ToAdd, staged.Status())
}

func TestRemoveCallbackSeesCascadeComplete(t *testing.T) {
	store := newFakeStore()
	classID := store.seed(schema.TypeEntityClass, row("name", "unit"))
	entityID := store.seed(schema.TypeEntity, row("class_id", classID, "name", "plant_a"))
	m := newTestMirror(t, store, 10)

	class, err := m.GetItem(schema.TypeEntityClass, classID)
	require.NoError(t, err)
	entity, err := m.GetItem(schema.TypeEntity, entityID)
	require.NoError(t, err)
	require.Equal(t, "unit", entity.Field("class_name"))

	// By the time the class reports its own removal, everything that
	// went down with it is already gone.
	var entityGoneFirst bool
	class.OnRemove(func(*Item) bool {
		entityGoneFirst = entity.IsRemoved()
		return true
	})

	_, err = m.RemoveItem(schema.TypeEntityClass, classID)
	require.NoError(t, err)
	assert.True(t, entityGoneFirst)
}

func TestRestoreRejectsCascadeRemovedItem(t *testing.T) {
	store := newFakeStore()
	classID := store.seed(schema.TypeEntityClass, row("name", "unit"))
	entityID := store.seed(schema.TypeEntity, row("class_id", classID, "name", "plant_a"))
	m := newTestMirror(t, store, 10)

	entity, err := m.GetItem(schema.TypeEntity, entityID)
	require.NoError(t, err)
	_, err = m.RemoveItem(schema.TypeEntityClass, classID)
	require.NoError(t, err)
	require.True(t, entity.IsRemoved())

	// The entity went down with its class; it only comes back with it.
	_, err = m.RestoreItem(schema.TypeEntity, entityID)
	assert.ErrorIs(t, err, types.ErrRemovedByCascade)
	assert.True(t, entity.IsRemoved())
	assert.Equal(t, types.ToRemove, entity.Status())

	_, err = m.RestoreItem(schema.TypeEntityClass, classID)
	require.NoError(t, err)
	assert.False(t, entity.IsRemoved())
	assert.Equal(t, types.Committed, entity.Status())
}

func TestUpdateRetargetsReferences(t *testing.T) {
	store := newFakeStore()
	oldClass := store.seed(schema.TypeEntityClass, row("name", "unit"))
	newClass := store.seed(schema.TypeEntityClass, row("name", "node"))
	entityID := store.seed(schema.TypeEntity, row("class_id", oldClass, "name", "plant_a"))
	m := newTestMirror(t, store, 10)

	it, err := m.UpdateItem(schema.TypeEntity, entityID, row("class_id", newClass))
	require.NoError(t, err)

	// The old class no longer drags the entity along when removed.
	_, err = m.RemoveItem(schema.TypeEntityClass, oldClass)
	require.NoError(t, err)
	assert.False(t, it.IsRemoved())

	// The new class does.
	_, err = m.RemoveItem(schema.TypeEntityClass, newClass)
	require.NoError(t, err)
	assert.True(t, it.IsRemoved())
}
