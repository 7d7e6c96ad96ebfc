// Package orm defines the backend-neutral query AST and the storage
// adapter interface. The core itself holds no SQL; adapters translate
// [StorageQuery] into their native query language.
package orm

import (
	"encoding/json"
	"fmt"
)

// SortDirection orders a sort field.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Operator names mirror the wire format's $-prefixed keys.
const (
	OpEq        = "$eq"
	OpNe        = "$ne"
	OpGt        = "$gt"
	OpGte       = "$gte"
	OpLt        = "$lt"
	OpLte       = "$lte"
	OpIn        = "$in"
	OpNin       = "$nin"
	OpExists    = "$exists"
	OpRegex     = "$regex"
	OpContains  = "$contains"
	OpIsNull    = "$isNull"
	OpIsNotNull = "$isNotNull"
)

// knownOperators guards FieldFilter decoding: an object is an operator
// filter only when every key is a known operator.
var knownOperators = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpExists: true, OpRegex: true, OpContains: true,
	OpIsNull: true, OpIsNotNull: true,
}

// FieldFilter is either a direct value (implying equality) or a set of
// operator conditions.
//
// Decoding tries the operator shape before the value shape: operator
// objects have a specific pattern ($-prefixed keys) while a value matches
// any JSON. Trying value first would shadow operators forever.
type FieldFilter struct {
	// Operators holds operator → operand when the filter is operator-form.
	Operators map[string]json.RawMessage
	// Value holds the direct value when the filter is value-form.
	Value json.RawMessage
}

// IsOperator reports whether the filter is operator-form.
func (f FieldFilter) IsOperator() bool { return len(f.Operators) > 0 }

// UnmarshalJSON implements json.Unmarshaler with operator-before-value
// resolution.
func (f *FieldFilter) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil && len(obj) > 0 {
		allOps := true
		for key := range obj {
			if !knownOperators[key] {
				allOps = false
				break
			}
		}
		if allOps {
			f.Operators = obj
			f.Value = nil
			return nil
		}
	}
	f.Operators = nil
	f.Value = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FieldFilter) MarshalJSON() ([]byte, error) {
	if f.IsOperator() {
		return json.Marshal(f.Operators)
	}
	if f.Value == nil {
		return []byte("null"), nil
	}
	return f.Value, nil
}

// Eq builds a value-form equality filter.
func Eq(value any) FieldFilter {
	raw, _ := json.Marshal(value)
	return FieldFilter{Value: raw}
}

// Op builds an operator-form filter with one condition.
func Op(operator string, operand any) FieldFilter {
	if !knownOperators[operator] {
		panic(fmt.Sprintf("orm: unknown operator %q", operator))
	}
	raw, _ := json.Marshal(operand)
	return FieldFilter{Operators: map[string]json.RawMessage{operator: raw}}
}

// SortSpec orders results by a field.
type SortSpec struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// CursorDirection selects which side of the cursor to return.
type CursorDirection string

const (
	CursorBefore CursorDirection = "before"
	CursorAfter  CursorDirection = "after"
)

// Cursor paginates by field value instead of offset.
type Cursor struct {
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Direction CursorDirection `json:"direction"`
}

// TimeRange bounds results by timestamp.
type TimeRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// JoinType selects join semantics.
type JoinType string

const (
	JoinLeft  JoinType = "left"
	JoinInner JoinType = "inner"
)

// JoinSpec loads related records nested under Alias.
type JoinSpec struct {
	Collection   string   `json:"collection"`
	Alias        string   `json:"alias"`
	LocalField   string   `json:"localField"`
	ForeignField string   `json:"foreignField"`
	JoinType     JoinType `json:"joinType"`
	Select       []string `json:"select,omitempty"`
}

// StorageQuery is the universal query format.
type StorageQuery struct {
	Collection string                 `json:"collection"`
	Filter     map[string]FieldFilter `json:"filter,omitempty"`
	Sort       []SortSpec             `json:"sort,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
	Cursor     *Cursor                `json:"cursor,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	TimeRange  *TimeRange             `json:"timeRange,omitempty"`
	Joins      []JoinSpec             `json:"joins,omitempty"`
}

// QueryBuilder is a fluent builder over StorageQuery.
type QueryBuilder struct {
	query StorageQuery
}

// NewQuery starts a builder for a collection.
func NewQuery(collection string) *QueryBuilder {
	return &QueryBuilder{query: StorageQuery{Collection: collection}}
}

// FilterEq adds an equality filter.
func (b *QueryBuilder) FilterEq(field string, value any) *QueryBuilder {
	return b.Filter(field, Eq(value))
}

// Filter adds a filter.
func (b *QueryBuilder) Filter(field string, f FieldFilter) *QueryBuilder {
	if b.query.Filter == nil {
		b.query.Filter = map[string]FieldFilter{}
	}
	b.query.Filter[field] = f
	return b
}

// SortBy appends a sort spec.
func (b *QueryBuilder) SortBy(field string, dir SortDirection) *QueryBuilder {
	b.query.Sort = append(b.query.Sort, SortSpec{Field: field, Direction: dir})
	return b
}

// SortAsc sorts ascending.
func (b *QueryBuilder) SortAsc(field string) *QueryBuilder { return b.SortBy(field, SortAsc) }

// SortDesc sorts descending.
func (b *QueryBuilder) SortDesc(field string) *QueryBuilder { return b.SortBy(field, SortDesc) }

// Limit caps the result count.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.query.Limit = n
	return b
}

// Offset skips the first n results.
func (b *QueryBuilder) Offset(n int) *QueryBuilder {
	b.query.Offset = n
	return b
}

// Join appends a join spec.
func (b *QueryBuilder) Join(spec JoinSpec) *QueryBuilder {
	b.query.Joins = append(b.query.Joins, spec)
	return b
}

// Build finalises the query.
func (b *QueryBuilder) Build() StorageQuery { return b.query }
