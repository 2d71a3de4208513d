// Package schema declares Schema: the ordered dimension columns and measure
// columns of one aggregation, per spec §3. A Schema is immutable once built
// and owns the pkey.Encoder used to turn dimension values into PrimaryKey
// bytes throughout the writer, reader, index, and consolidation packages.
package schema

import (
	"fmt"
	"strings"

	"github.com/srosenberg/datakernel-sub002/internal/keytype"
	"github.com/srosenberg/datakernel-sub002/internal/measure"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
)

// Dimension is one ordered dimension column declaration.
type Dimension struct {
	Name string
	Type keytype.KeyType
}

// Measure is one measure column declaration.
type Measure struct {
	Name string
	Type measure.Type
}

// Schema is the immutable (dimensions, measures) pair an aggregation is
// built over. Construct with New; the zero value is not usable.
type Schema struct {
	id         string
	dims       []Dimension
	measures   []Measure
	measureIdx map[string]int
	enc        *pkey.Encoder
}

// New declares a Schema with id (used in plan-cache fingerprints and error
// messages), ordered dimensions, and measures. Dimension order is the
// schema's key order (spec §3); measure order has no ordering significance.
func New(id string, dims []Dimension, measures []Measure) (*Schema, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("schema %s: at least one dimension is required", id)
	}
	if len(measures) == 0 {
		return nil, fmt.Errorf("schema %s: at least one measure is required", id)
	}
	seen := make(map[string]bool, len(dims)+len(measures))
	keyTypes := make([]keytype.KeyType, len(dims))
	for i, d := range dims {
		if d.Name == "" {
			return nil, fmt.Errorf("schema %s: dimension %d has empty name", id, i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("schema %s: duplicate column name %q", id, d.Name)
		}
		seen[d.Name] = true
		keyTypes[i] = d.Type
	}
	measureIdx := make(map[string]int, len(measures))
	for i, m := range measures {
		if m.Name == "" {
			return nil, fmt.Errorf("schema %s: measure %d has empty name", id, i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("schema %s: duplicate column name %q", id, m.Name)
		}
		seen[m.Name] = true
		measureIdx[m.Name] = i
	}
	return &Schema{
		id:         id,
		dims:       dims,
		measures:   measures,
		measureIdx: measureIdx,
		enc:        pkey.NewEncoder(keyTypes...),
	}, nil
}

// ID returns the schema's identifier.
func (s *Schema) ID() string { return s.id }

// Dimensions returns the ordered dimension columns. The returned slice must
// not be mutated.
func (s *Schema) Dimensions() []Dimension { return s.dims }

// Measures returns the declared measure columns. The returned slice must
// not be mutated.
func (s *Schema) Measures() []Measure { return s.measures }

// DimIndex returns the index of a dimension by name, or -1 if undeclared.
func (s *Schema) DimIndex(name string) int {
	for i, d := range s.dims {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// MeasureIndex returns the index of a measure by name, or -1 if undeclared.
func (s *Schema) MeasureIndex(name string) int {
	if i, ok := s.measureIdx[name]; ok {
		return i
	}
	return -1
}

// KeyEncoder returns the PrimaryKey encoder built from this schema's
// dimension key types, in dimension order.
func (s *Schema) KeyEncoder() *pkey.Encoder { return s.enc }

// IsKeyPrefix reports whether dims, taken as a set of dimension names, forms
// exactly the schema's leading dimensions in the schema's order — the
// precondition for a Merge reader's selected K (spec §4.4) or a query's
// dimension projection (spec §4.5) to need no post-sort pass.
func (s *Schema) IsKeyPrefix(dims []string) bool {
	if len(dims) > len(s.dims) {
		return false
	}
	for i, name := range dims {
		if s.dims[i].Name != name {
			return false
		}
	}
	return true
}

// Fingerprint returns the cache key used by the reducer framework's plan
// cache (spec §4.2: "(schema_version, selected_dims, selected_measures,
// source_kind)"). schemaVersion lets callers invalidate cached plans across
// schema changes without tying Schema itself to a version counter.
func Fingerprint(schemaVersion string, selectedDims, selectedMeasures []string, sourceKind string) string {
	var b strings.Builder
	b.WriteString(schemaVersion)
	b.WriteByte('|')
	b.WriteString(strings.Join(selectedDims, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(selectedMeasures, ","))
	b.WriteByte('|')
	b.WriteString(sourceKind)
	return b.String()
}
