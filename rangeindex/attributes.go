package rangeindex

import (
	"strings"
)

// Unknown is the value every attribute of a not-found result carries.
const Unknown = "NA"

// Schema is the ordered list of attribute names shared by the records of one dataset.
type Schema struct {
	names []string
	pos   map[string]int
}

// NewSchema creates a schema. Duplicate names keep their first position.
func NewSchema(names ...string) *Schema {
	s := &Schema{names: append([]string(nil), names...), pos: make(map[string]int, len(names))}
	for i, n := range s.names {
		if _, ok := s.pos[n]; !ok {
			s.pos[n] = i
		}
	}
	return s
}

// Names returns a copy of the attribute names.
func (s *Schema) Names() []string {
	return append([]string(nil), s.names...)
}

// Len is the number of attributes in the schema.
func (s *Schema) Len() int {
	return len(s.names)
}

// New binds values to the schema. Missing values are left empty and
// surplus values are dropped.
func (s *Schema) New(values ...string) Attributes {
	v := make([]string, len(s.names))
	copy(v, values)
	return Attributes{schema: s, values: v}
}

// Unknown returns attributes with every value set to Unknown.
func (s *Schema) Unknown() Attributes {
	v := make([]string, len(s.names))
	for i := range v {
		v[i] = Unknown
	}
	return Attributes{schema: s, values: v}
}

func (s *Schema) equal(o *Schema) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || len(s.names) != len(o.names) {
		return false
	}
	for i := range s.names {
		if s.names[i] != o.names[i] {
			return false
		}
	}
	return true
}

// Attributes is the opaque payload attached to a range, e.g. country and
// ISP for geolocation data or ASN and netname for netblocks.
type Attributes struct {
	schema *Schema
	values []string
}

// Get returns the value of the named attribute.
func (a Attributes) Get(name string) (value string, ok bool) {
	if a.schema == nil {
		return
	}
	i, ok := a.schema.pos[name]
	if !ok {
		return
	}
	value = a.values[i]
	return
}

// Value returns the named attribute or "" when absent.
func (a Attributes) Value(name string) string {
	v, _ := a.Get(name)
	return v
}

// Len is the number of attributes.
func (a Attributes) Len() int {
	return len(a.values)
}

// Keys returns the attribute names in schema order.
func (a Attributes) Keys() []string {
	if a.schema == nil {
		return nil
	}
	return a.schema.Names()
}

// Values returns a copy of the values in schema order.
func (a Attributes) Values() []string {
	return append([]string(nil), a.values...)
}

// Map returns the attributes as a name to value map.
func (a Attributes) Map() map[string]string {
	m := make(map[string]string, len(a.values))
	for i, v := range a.values {
		m[a.schema.names[i]] = v
	}
	return m
}

// Schema returns the schema the attributes are bound to.
func (a Attributes) Schema() *Schema {
	return a.schema
}

// Equal compares names and values.
func (a Attributes) Equal(b Attributes) bool {
	if len(a.values) != len(b.values) || !a.schema.equal(b.schema) {
		return false
	}
	for i := range a.values {
		if a.values[i] != b.values[i] {
			return false
		}
	}
	return true
}

func (a Attributes) String() string {
	var sb strings.Builder
	for i, v := range a.values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(a.schema.names[i])
		sb.WriteByte('=')
		sb.WriteString(v)
	}
	return sb.String()
}
