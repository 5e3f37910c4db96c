package dockache

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// UniqueIndex declares a secondary index whose extracted value must be
// unique across every entry of a cache. Enforcement happens at the store
// (registerUniqueIndex propagates it there); the in-memory side only uses
// Extract/Equals to defensively recheck reads served through the index
// (readByUniqueIndex).
type UniqueIndex[D any, T any] struct {
	// FieldName is the store-side field name the index is declared on.
	FieldName string
	// Extract pulls the indexed value out of a document. A nil/zero result
	// (ok=false) means the document does not participate in this index.
	Extract func(d D) (T, bool)
	// Equals compares two extracted values for the defensive recheck.
	Equals func(a, b T) bool
}

// extractedValue erases the T type parameter so a Cache can hold a
// heterogeneous list of UniqueIndex[D, T] declarations.
type extractedValue struct {
	fieldName string
	value     any
	ok        bool
	equals    func(a, b any) bool
}

// erasedIndex is the type-erased form of UniqueIndex stored by a Cache.
type erasedIndex[D any] struct {
	fieldName string
	extract   func(d D) extractedValue
}

func eraseIndex[D any, T any](idx UniqueIndex[D, T]) erasedIndex[D] {
	return erasedIndex[D]{
		fieldName: idx.FieldName,
		extract: func(d D) extractedValue {
			v, ok := idx.Extract(d)
			return extractedValue{
				fieldName: idx.FieldName,
				value:     v,
				ok:        ok,
				equals: func(a, b any) bool {
					av, aok := a.(T)
					bv, bok := b.(T)
					if !aok || !bok {
						return false
					}
					return idx.Equals(av, bv)
				},
			}
		},
	}
}

// NewComparableUniqueIndex builds a UniqueIndex whose Equals uses Go's built-in
// == operator, for any comparable extracted type. This is the common case
// (string, int, UUID fields).
func NewComparableUniqueIndex[D any, T comparable](fieldName string, extract func(d D) (T, bool)) UniqueIndex[D, T] {
	return UniqueIndex[D, T]{
		FieldName: fieldName,
		Extract:   extract,
		Equals:    func(a, b T) bool { return a == b },
	}
}

// NewCELUniqueIndex builds a UniqueIndex whose extraction is declared as a
// CEL expression evaluated against the document's map[string]any
// representation. asMap converts a document D into the map the CEL
// expression will read from (typically the JSON/BSON-marshaled form).
func NewCELUniqueIndex[D any](fieldName, expression string, asMap func(d D) map[string]any) (UniqueIndex[D, string], error) {
	env, err := cel.NewEnv(cel.Variable("doc", cel.MapType(cel.StringType, cel.AnyType)))
	if err != nil {
		return UniqueIndex[D, string]{}, fmt.Errorf("dockache: creating CEL environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return UniqueIndex[D, string]{}, fmt.Errorf("dockache: compiling CEL expression %q: %w", expression, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return UniqueIndex[D, string]{}, fmt.Errorf("dockache: building CEL program: %w", err)
	}
	extract := func(d D) (string, bool) {
		out, _, err := prg.Eval(map[string]any{"doc": asMap(d)})
		if err != nil {
			return "", false
		}
		native, err := out.ConvertToNative(reflect.TypeOf(""))
		if err != nil {
			return "", false
		}
		s, ok := native.(string)
		return s, ok && s != ""
	}
	return UniqueIndex[D, string]{
		FieldName: fieldName,
		Extract:   extract,
		Equals:    func(a, b string) bool { return a == b },
	}, nil
}
