package types

// Fields is one row's worth of data: a mapping from field name to value.
// Values are int64 for identities, string for text, []int64 and []string
// for list-valued fields, bool for flags, or nil for absent optionals.
type Fields map[string]any

// Clone returns a shallow copy of the field map. List values are shared;
// callers that mutate lists must copy them first.
func (f Fields) Clone() Fields {
	c := make(Fields, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}
