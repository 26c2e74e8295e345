package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// Item is the view of a cached item that schema hooks operate on. The
// cache implements it; hooks never see cache internals.
type Item interface {
	// Type returns the item type.
	Type() string
	// ID returns the item identity, negative while still a placeholder.
	ID() int64
	// Field returns a field value, resolving references and computed
	// fields. Nil when absent.
	Field(name string) any
	// Stored returns the raw stored value without reference resolution.
	Stored(name string) (any, bool)
	// SetField stores a raw field value.
	SetField(name string, value any)
	// SetDefault stores value only when the field is absent.
	SetDefault(name string, value any)
	// UniqueID returns the identity owning the given unique-key value in
	// another table, fetching from the store until found or exhausted.
	// Zero when absent.
	UniqueID(itemType string, key []string, value []any) int64
	// WeakField reads one field of another item, registering this item
	// as a weak referrer. Nil when the target is absent or removed.
	WeakField(itemType string, id int64, field string) any
	// Items returns every valid item of a type, fetching the whole table
	// first.
	Items(itemType string) []Item
}

// Reference is a recipe for a derived field: take the id stored under
// SrcField, locate the item of RefType with that id, and return its
// RefField. A list-valued SrcField yields a list of RefField values.
// References are strong: resolving one links the items for cascades.
type Reference struct {
	SrcField string
	RefType  string
	RefField string
}

// InverseReference resolves an id field from name-like fields when a
// caller stages an item: take the values of SrcFields, locate the item
// of RefType whose RefKey unique key matches them, and store its id.
// List-valued SrcFields are zipped element-wise.
type InverseReference struct {
	SrcFields []string
	RefType   string
	RefKey    []string
}

// Definition describes one item type.
type Definition struct {
	// Type is the item type name, equal to the backing table name.
	Type string
	// Fields are the stored column names, including "id".
	Fields []string
	// Defaults fill absent optional fields during polish.
	Defaults types.Fields
	// UniqueKeys lists the unique constraints; members may be derived
	// fields.
	UniqueKeys [][]string
	// References maps derived field names to their recipes.
	References map[string]Reference
	// Inverse maps id field names to inverse-reference recipes.
	Inverse map[string]InverseReference
	// ExtraIDFields reports stored fields of a given item that hold
	// identities outside the reference recipes, mapped to the referenced
	// type. Such links stay out of the removal cascade but their
	// placeholder ids still translate on commit. Optional.
	ExtraIDFields func(it Item) map[string]string
	// Normalize coerces raw input values (store rows or caller fields)
	// into canonical form. Optional.
	Normalize func(f types.Fields)
	// Compute intercepts field access for type-specific derived values.
	// Optional; returns false to fall through.
	Compute func(it Item, name string) (any, bool)
	// Polish normalizes a candidate once its references are resolved,
	// after defaults are applied. Optional; returns a ValidationError
	// on failure.
	Polish func(it Item) error
	// CheckUpdate vets proposed updates against the current item.
	// Optional; returns a ValidationError on failure.
	CheckUpdate func(current Item, updates types.Fields) error
}

// HasField reports whether name is a stored field of this type.
func (d *Definition) HasField(name string) bool {
	for _, f := range d.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// HasCommitID reports whether the type's table carries a commit column.
func (d *Definition) HasCommitID() bool {
	return d.HasField("commit_id")
}

// RefTypes returns the item types this type's references point at,
// excluding itself. Used to order types for fetching and flushing.
func (d *Definition) RefTypes() map[string]bool {
	out := make(map[string]bool)
	for _, ref := range d.References {
		if ref.RefType != d.Type {
			out[ref.RefType] = true
		}
	}
	return out
}

// IDFields returns the stored fields that hold identities of other
// items, mapped to the referenced type. Derived from the reference
// recipes; used to translate placeholder ids on commit.
func (d *Definition) IDFields() map[string]string {
	out := make(map[string]string)
	for _, ref := range d.References {
		if d.HasField(ref.SrcField) {
			out[ref.SrcField] = ref.RefType
		}
	}
	return out
}

// Registry holds the definitions of every known item type in
// declaration order.
type Registry struct {
	order []string
	defs  map[string]*Definition
}

// NewRegistry builds a registry from definitions. Duplicate types panic:
// the registry is assembled once at startup from static declarations.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if _, dup := r.defs[d.Type]; dup {
			panic(fmt.Sprintf("schema: duplicate item type %q", d.Type))
		}
		r.defs[d.Type] = d
		r.order = append(r.order, d.Type)
	}
	return r
}

// Definition returns the definition for an item type.
func (r *Registry) Definition(itemType string) (*Definition, bool) {
	d, ok := r.defs[itemType]
	return d, ok
}

// Types returns the item types in declaration order.
func (r *Registry) Types() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ParseIDList converts a comma-separated id string, an id slice, or nil
// into a canonical []int64. Store rows deliver list columns as text.
func ParseIDList(v any) ([]int64, error) {
	switch x := v.(type) {
	case nil:
		return []int64{}, nil
	case []int64:
		return x, nil
	case string:
		if x == "" {
			return []int64{}, nil
		}
		parts := strings.Split(x, ",")
		out := make([]int64, 0, len(parts))
		for _, p := range parts {
			id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing id list %q: %w", x, err)
			}
			out = append(out, id)
		}
		return out, nil
	case []any:
		out := make([]int64, 0, len(x))
		for _, e := range x {
			id, ok := AsID(e)
			if !ok {
				return nil, fmt.Errorf("id list element %v is not an id", e)
			}
			out = append(out, id)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value %v (%T) is not an id list", v, v)
	}
}

// JoinIDList renders an id list as the comma-separated form stored in
// list columns.
func JoinIDList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// AsID converts the integer shapes that reach the cache (store scans,
// CLI input, literals) into an int64 identity.
func AsID(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	default:
		return 0, false
	}
}
