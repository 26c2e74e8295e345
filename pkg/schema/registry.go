package schema

import (
	"strings"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// Item type names, equal to the backing-store table names.
const (
	TypeEntityClass         = "entity_class"
	TypeEntity              = "entity"
	TypeEntityGroup         = "entity_group"
	TypeAlternative         = "alternative"
	TypeScenario            = "scenario"
	TypeScenarioAlternative = "scenario_alternative"
	TypeParameterValueList  = "parameter_value_list"
	TypeListValue           = "list_value"
	TypeParameterDefinition = "parameter_definition"
	TypeParameterValue      = "parameter_value"
	TypeMetadata            = "metadata"
	TypeEntityMetadata      = "entity_metadata"
)

// DefaultRegistry returns the registry for the full relational
// vocabulary: classes, entities, groups, alternatives, scenarios and
// their rankings, value lists, parameter definitions and values, and
// metadata.
func DefaultRegistry() *Registry {
	return NewRegistry(
		entityClassDef(),
		entityDef(),
		entityGroupDef(),
		alternativeDef(),
		scenarioDef(),
		scenarioAlternativeDef(),
		parameterValueListDef(),
		listValueDef(),
		parameterDefinitionDef(),
		parameterValueDef(),
		metadataDef(),
		entityMetadataDef(),
	)
}

func entityClassDef() *Definition {
	return &Definition{
		Type:   TypeEntityClass,
		Fields: []string{"id", "name", "description", "display_icon", "display_order", "hidden", "dimension_id_list", "commit_id"},
		Defaults: types.Fields{
			"description":   nil,
			"display_icon":  nil,
			"display_order": int64(99),
			"hidden":        false,
		},
		UniqueKeys: [][]string{{"name"}},
		References: map[string]Reference{
			"dimension_name_list": {SrcField: "dimension_id_list", RefType: TypeEntityClass, RefField: "name"},
		},
		Inverse: map[string]InverseReference{
			"dimension_id_list": {SrcFields: []string{"dimension_name_list"}, RefType: TypeEntityClass, RefKey: []string{"name"}},
		},
		Normalize: func(f types.Fields) {
			normalizeIDList(f, "dimension_id_list")
			normalizeBool(f, "hidden")
		},
		CheckUpdate: func(current Item, updates types.Fields) error {
			proposed, ok := updates["dimension_id_list"]
			if !ok {
				return nil
			}
			want, err := ParseIDList(proposed)
			if err != nil {
				return types.Validationf(TypeEntityClass, "%v", err)
			}
			got, _ := current.Stored("dimension_id_list")
			if !idListEqual(want, got) {
				return types.Validationf(TypeEntityClass, "can't modify dimensions of an entity class")
			}
			return nil
		},
	}
}

func entityDef() *Definition {
	return &Definition{
		Type:     TypeEntity,
		Fields:   []string{"id", "class_id", "name", "description", "element_id_list", "commit_id"},
		Defaults: types.Fields{"description": nil},
		UniqueKeys: [][]string{
			{"class_name", "name"},
			{"class_name", "byname"},
		},
		References: map[string]Reference{
			"class_name":          {SrcField: "class_id", RefType: TypeEntityClass, RefField: "name"},
			"dimension_id_list":   {SrcField: "class_id", RefType: TypeEntityClass, RefField: "dimension_id_list"},
			"dimension_name_list": {SrcField: "class_id", RefType: TypeEntityClass, RefField: "dimension_name_list"},
			"element_name_list":   {SrcField: "element_id_list", RefType: TypeEntity, RefField: "name"},
		},
		Inverse: map[string]InverseReference{
			"class_id": {SrcFields: []string{"class_name"}, RefType: TypeEntityClass, RefKey: []string{"name"}},
			"element_id_list": {
				SrcFields: []string{"dimension_name_list", "element_name_list"},
				RefType:   TypeEntity,
				RefKey:    []string{"class_name", "name"},
			},
		},
		Normalize: func(f types.Fields) {
			normalizeIDList(f, "element_id_list")
		},
		Compute: func(it Item, name string) (any, bool) {
			if name != "byname" {
				return nil, false
			}
			if elements, ok := it.Field("element_name_list").([]string); ok && len(elements) > 0 {
				return elements, true
			}
			n, _ := it.Field("name").(string)
			return []string{n}, true
		},
		Polish: entityPolish,
	}
}

// entityPolish generates a name for an n-dimensional entity staged
// without one: the class name joined with the element names, suffixed
// until unique among the class's entities.
func entityPolish(it Item) error {
	if _, ok := it.Stored("name"); ok {
		return nil
	}
	className, _ := it.Field("class_name").(string)
	elements, _ := it.Field("element_name_list").([]string)
	base := className + "_" + strings.Join(elements, "__")
	name := base
	for it.UniqueID(TypeEntity, []string{"class_name", "name"}, []any{className, name}) != 0 {
		suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
		name = base + "_" + suffix
	}
	it.SetField("name", name)
	return nil
}

func entityGroupDef() *Definition {
	return &Definition{
		Type:       TypeEntityGroup,
		Fields:     []string{"id", "entity_class_id", "entity_id", "member_id"},
		UniqueKeys: [][]string{{"group_name", "member_name"}},
		References: map[string]Reference{
			"class_name":        {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "name"},
			"group_name":        {SrcField: "entity_id", RefType: TypeEntity, RefField: "name"},
			"member_name":       {SrcField: "member_id", RefType: TypeEntity, RefField: "name"},
			"dimension_id_list": {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "dimension_id_list"},
		},
		Inverse: map[string]InverseReference{
			"entity_class_id": {SrcFields: []string{"class_name"}, RefType: TypeEntityClass, RefKey: []string{"name"}},
			"entity_id":       {SrcFields: []string{"class_name", "group_name"}, RefType: TypeEntity, RefKey: []string{"class_name", "name"}},
			"member_id":       {SrcFields: []string{"class_name", "member_name"}, RefType: TypeEntity, RefKey: []string{"class_name", "name"}},
		},
		Compute: func(it Item, name string) (any, bool) {
			switch name {
			case "class_id":
				return it.Field("entity_class_id"), true
			case "group_id":
				return it.Field("entity_id"), true
			}
			return nil, false
		},
	}
}

func alternativeDef() *Definition {
	return &Definition{
		Type:       TypeAlternative,
		Fields:     []string{"id", "name", "description", "commit_id"},
		Defaults:   types.Fields{"description": nil},
		UniqueKeys: [][]string{{"name"}},
	}
}

func scenarioDef() *Definition {
	return &Definition{
		Type:       TypeScenario,
		Fields:     []string{"id", "name", "description", "active", "commit_id"},
		Defaults:   types.Fields{"description": nil, "active": false},
		UniqueKeys: [][]string{{"name"}},
		Normalize: func(f types.Fields) {
			normalizeBool(f, "active")
		},
		Compute: scenarioCompute,
	}
}

// scenarioCompute derives a scenario's alternative lists by scanning its
// rankings in rank order.
func scenarioCompute(it Item, name string) (any, bool) {
	if name != "alternative_id_list" && name != "alternative_name_list" {
		return nil, false
	}
	var mine []Item
	for _, sa := range it.Items(TypeScenarioAlternative) {
		if id, ok := AsID(sa.Field("scenario_id")); ok && id == it.ID() {
			mine = append(mine, sa)
		}
	}
	sortByRank(mine)
	if name == "alternative_id_list" {
		ids := make([]int64, 0, len(mine))
		for _, sa := range mine {
			if id, ok := AsID(sa.Field("alternative_id")); ok {
				ids = append(ids, id)
			}
		}
		return ids, true
	}
	names := make([]string, 0, len(mine))
	for _, sa := range mine {
		n, _ := sa.Field("alternative_name").(string)
		names = append(names, n)
	}
	return names, true
}

func sortByRank(items []Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, _ := AsID(items[j-1].Field("rank"))
			b, _ := AsID(items[j].Field("rank"))
			if a <= b {
				break
			}
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

func scenarioAlternativeDef() *Definition {
	return &Definition{
		Type:   TypeScenarioAlternative,
		Fields: []string{"id", "scenario_id", "alternative_id", "rank", "commit_id"},
		UniqueKeys: [][]string{
			{"scenario_name", "alternative_name"},
			{"scenario_name", "rank"},
		},
		References: map[string]Reference{
			"scenario_name":    {SrcField: "scenario_id", RefType: TypeScenario, RefField: "name"},
			"alternative_name": {SrcField: "alternative_id", RefType: TypeAlternative, RefField: "name"},
		},
		Inverse: map[string]InverseReference{
			"scenario_id":    {SrcFields: []string{"scenario_name"}, RefType: TypeScenario, RefKey: []string{"name"}},
			"alternative_id": {SrcFields: []string{"alternative_name"}, RefType: TypeAlternative, RefKey: []string{"name"}},
		},
		Normalize: func(f types.Fields) {
			normalizeID(f, "rank")
		},
		Compute: scenarioAlternativeCompute,
	}
}

// scenarioAlternativeCompute derives the alternative this ranking goes
// before. Ranks run from 1 to the alternative count, so the entry at
// index rank in the scenario's id list is the next one; the last
// ranking has none.
func scenarioAlternativeCompute(it Item, name string) (any, bool) {
	switch name {
	case "before_alternative_id":
		scenarioID, ok := AsID(it.Field("scenario_id"))
		if !ok {
			return nil, true
		}
		ids, _ := it.WeakField(TypeScenario, scenarioID, "alternative_id_list").([]int64)
		rank, _ := AsID(it.Field("rank"))
		if rank < 0 || rank >= int64(len(ids)) {
			return nil, true
		}
		return ids[rank], true
	case "before_alternative_name":
		beforeID, ok := AsID(it.Field("before_alternative_id"))
		if !ok {
			return nil, true
		}
		return it.WeakField(TypeAlternative, beforeID, "name"), true
	}
	return nil, false
}

func parameterValueListDef() *Definition {
	return &Definition{
		Type:       TypeParameterValueList,
		Fields:     []string{"id", "name", "commit_id"},
		UniqueKeys: [][]string{{"name"}},
	}
}

func listValueDef() *Definition {
	return &Definition{
		Type:   TypeListValue,
		Fields: []string{"id", "parameter_value_list_id", "index", "type", "value", "commit_id"},
		UniqueKeys: [][]string{
			{"parameter_value_list_name", "value", "type"},
			{"parameter_value_list_name", "index"},
		},
		References: map[string]Reference{
			"parameter_value_list_name": {SrcField: "parameter_value_list_id", RefType: TypeParameterValueList, RefField: "name"},
		},
		Inverse: map[string]InverseReference{
			"parameter_value_list_id": {SrcFields: []string{"parameter_value_list_name"}, RefType: TypeParameterValueList, RefKey: []string{"name"}},
		},
		Normalize: func(f types.Fields) {
			normalizeID(f, "index")
		},
	}
}

func parameterDefinitionDef() *Definition {
	return &Definition{
		Type:   TypeParameterDefinition,
		Fields: []string{"id", "entity_class_id", "name", "description", "default_value", "default_type", "parameter_value_list_id", "commit_id"},
		Defaults: types.Fields{
			"description":             nil,
			"default_value":           nil,
			"default_type":            nil,
			"parameter_value_list_id": nil,
		},
		UniqueKeys: [][]string{{"entity_class_name", "name"}},
		References: map[string]Reference{
			"entity_class_name":   {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "name"},
			"dimension_id_list":   {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "dimension_id_list"},
			"dimension_name_list": {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "dimension_name_list"},
		},
		Inverse: map[string]InverseReference{
			"entity_class_id":         {SrcFields: []string{"entity_class_name"}, RefType: TypeEntityClass, RefKey: []string{"name"}},
			"parameter_value_list_id": {SrcFields: []string{"parameter_value_list_name"}, RefType: TypeParameterValueList, RefKey: []string{"name"}},
		},
		ExtraIDFields: func(it Item) map[string]string {
			out := map[string]string{"parameter_value_list_id": TypeParameterValueList}
			if t, _ := it.Stored("default_type"); t == "list_value_ref" {
				out["default_value"] = TypeListValue
			}
			return out
		},
		Compute: func(it Item, name string) (any, bool) {
			switch name {
			case "parameter_value_list_name":
				id, ok := storedID(it, "parameter_value_list_id")
				if !ok {
					return nil, true
				}
				return it.WeakField(TypeParameterValueList, id, "name"), true
			case "default_value", "default_type":
				if lv, ok := listValueRef(it, "default_type", "default_value"); ok {
					field := "value"
					if name == "default_type" {
						field = "type"
					}
					return it.WeakField(TypeListValue, lv, field), true
				}
				return nil, false
			case "list_value_id":
				lv, _ := listValueRef(it, "default_type", "default_value")
				return lv, true
			}
			return nil, false
		},
		Polish: func(it Item) error {
			return coerceToListValue(it, "default_type", "default_value")
		},
		CheckUpdate: parameterDefinitionCheckUpdate,
	}
}

// parameterDefinitionCheckUpdate rejects changing the value list of a
// parameter that already has values.
func parameterDefinitionCheckUpdate(current Item, updates types.Fields) error {
	proposed, ok := updates["parameter_value_list_id"]
	if !ok {
		return nil
	}
	got, _ := current.Stored("parameter_value_list_id")
	if proposed == got {
		return nil
	}
	for _, pv := range current.Items(TypeParameterValue) {
		if id, ok := AsID(pv.Field("parameter_definition_id")); ok && id == current.ID() {
			return types.Validationf(TypeParameterDefinition,
				"can't modify the parameter value list of a parameter that already has values")
		}
	}
	return nil
}

func parameterValueDef() *Definition {
	return &Definition{
		Type:       TypeParameterValue,
		Fields:     []string{"id", "entity_class_id", "parameter_definition_id", "entity_id", "alternative_id", "type", "value", "commit_id"},
		UniqueKeys: [][]string{{"parameter_definition_name", "entity_byname", "alternative_name"}},
		References: map[string]Reference{
			"entity_class_name":         {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "name"},
			"dimension_id_list":         {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "dimension_id_list"},
			"dimension_name_list":       {SrcField: "entity_class_id", RefType: TypeEntityClass, RefField: "dimension_name_list"},
			"parameter_definition_name": {SrcField: "parameter_definition_id", RefType: TypeParameterDefinition, RefField: "name"},
			"parameter_value_list_id":   {SrcField: "parameter_definition_id", RefType: TypeParameterDefinition, RefField: "parameter_value_list_id"},
			"parameter_value_list_name": {SrcField: "parameter_definition_id", RefType: TypeParameterDefinition, RefField: "parameter_value_list_name"},
			"entity_name":               {SrcField: "entity_id", RefType: TypeEntity, RefField: "name"},
			"entity_byname":             {SrcField: "entity_id", RefType: TypeEntity, RefField: "byname"},
			"element_id_list":           {SrcField: "entity_id", RefType: TypeEntity, RefField: "element_id_list"},
			"element_name_list":         {SrcField: "entity_id", RefType: TypeEntity, RefField: "element_name_list"},
			"alternative_name":          {SrcField: "alternative_id", RefType: TypeAlternative, RefField: "name"},
		},
		Inverse: map[string]InverseReference{
			"entity_class_id": {SrcFields: []string{"entity_class_name"}, RefType: TypeEntityClass, RefKey: []string{"name"}},
			"parameter_definition_id": {
				SrcFields: []string{"entity_class_name", "parameter_definition_name"},
				RefType:   TypeParameterDefinition,
				RefKey:    []string{"entity_class_name", "name"},
			},
			"entity_id": {
				SrcFields: []string{"entity_class_name", "entity_byname"},
				RefType:   TypeEntity,
				RefKey:    []string{"class_name", "byname"},
			},
			"alternative_id": {SrcFields: []string{"alternative_name"}, RefType: TypeAlternative, RefKey: []string{"name"}},
		},
		ExtraIDFields: func(it Item) map[string]string {
			if t, _ := it.Stored("type"); t == "list_value_ref" {
				return map[string]string{"value": TypeListValue}
			}
			return nil
		},
		Compute: func(it Item, name string) (any, bool) {
			switch name {
			case "value", "type":
				if lv, ok := listValueRef(it, "type", "value"); ok {
					return it.WeakField(TypeListValue, lv, name), true
				}
				return nil, false
			case "list_value_id":
				lv, _ := listValueRef(it, "type", "value")
				return lv, true
			}
			return nil, false
		},
		Polish: func(it Item) error {
			return coerceToListValue(it, "type", "value")
		},
	}
}

func metadataDef() *Definition {
	return &Definition{
		Type:       TypeMetadata,
		Fields:     []string{"id", "name", "value", "commit_id"},
		UniqueKeys: [][]string{{"name", "value"}},
	}
}

func entityMetadataDef() *Definition {
	return &Definition{
		Type:       TypeEntityMetadata,
		Fields:     []string{"id", "entity_id", "metadata_id", "commit_id"},
		UniqueKeys: [][]string{{"entity_name", "metadata_name", "metadata_value"}},
		References: map[string]Reference{
			"entity_name":    {SrcField: "entity_id", RefType: TypeEntity, RefField: "name"},
			"metadata_name":  {SrcField: "metadata_id", RefType: TypeMetadata, RefField: "name"},
			"metadata_value": {SrcField: "metadata_id", RefType: TypeMetadata, RefField: "value"},
		},
		Inverse: map[string]InverseReference{
			"entity_id": {
				SrcFields: []string{"entity_class_name", "entity_byname"},
				RefType:   TypeEntity,
				RefKey:    []string{"class_name", "byname"},
			},
			"metadata_id": {
				SrcFields: []string{"metadata_name", "metadata_value"},
				RefType:   TypeMetadata,
				RefKey:    []string{"name", "value"},
			},
		},
	}
}

// listValueRef returns the list-value id an indirect value points at,
// when the stored type marks one.
func listValueRef(it Item, typeField, valueField string) (int64, bool) {
	t, _ := it.Stored(typeField)
	if t != "list_value_ref" {
		return 0, false
	}
	v, _ := it.Stored(valueField)
	id, ok := AsID(v)
	return id, ok
}

// coerceToListValue rewrites a literal value into an indirect list-value
// reference when the owning definition carries a value list. A literal
// that is not on the list is a validation failure.
func coerceToListValue(it Item, typeField, valueField string) error {
	listName, ok := it.Field("parameter_value_list_name").(string)
	if !ok || listName == "" {
		return nil
	}
	if t, _ := it.Stored(typeField); t == "list_value_ref" {
		return nil
	}
	v, _ := it.Stored(valueField)
	if v == nil {
		return nil
	}
	t, _ := it.Stored(typeField)
	id := it.UniqueID(TypeListValue,
		[]string{"parameter_value_list_name", "value", "type"},
		[]any{listName, v, t})
	if id == 0 {
		return types.Validationf(it.Type(), "value %v is not in %s", v, listName)
	}
	it.SetField(valueField, id)
	it.SetField(typeField, "list_value_ref")
	return nil
}

func storedID(it Item, field string) (int64, bool) {
	v, ok := it.Stored(field)
	if !ok {
		return 0, false
	}
	return AsID(v)
}

// The normalize helpers leave absent keys absent: partial updates must
// not grow fields they never mentioned.

func normalizeIDList(f types.Fields, field string) {
	v, ok := f[field]
	if !ok {
		return
	}
	if ids, err := ParseIDList(v); err == nil {
		f[field] = ids
	}
}

func normalizeID(f types.Fields, field string) {
	v, ok := f[field]
	if !ok {
		return
	}
	if id, ok := AsID(v); ok {
		f[field] = id
	}
}

func normalizeBool(f types.Fields, field string) {
	switch v := f[field].(type) {
	case int64:
		f[field] = v != 0
	case int:
		f[field] = v != 0
	}
}

func idListEqual(a []int64, b any) bool {
	other, err := ParseIDList(b)
	if err != nil || len(a) != len(other) {
		return false
	}
	for i := range a {
		if a[i] != other[i] {
			return false
		}
	}
	return true
}
