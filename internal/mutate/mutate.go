// Package mutate implements the Stress Runner's deterministic test-input
// generator: given a JSON-Schema-shaped description of a tool's input, it
// produces a fixed, ordered sequence of probe payloads labeled by the kind
// of perturbation they exercise.
//
// The schema shape mirrors the loosely-typed inputSchema fields the tool
// taxonomy in the downstream ecosystem declares (a bag of named properties,
// each with a JSON type, plus a required list) rather than a full
// JSON-Schema implementation: this package enumerates mutations, it does
// not validate documents against a schema.
package mutate

// PropertyType is the subset of JSON-Schema primitive types a declared
// input property may carry.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeInteger PropertyType = "integer"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
	TypeArray   PropertyType = "array"
	TypeObject  PropertyType = "object"
)

// Property is one declared input field.
type Property struct {
	Name string
	Type PropertyType
}

// Schema describes a tool's declared input shape: a set of named, typed
// properties plus which of them are required.
type Schema struct {
	Properties []Property
	Required   map[string]bool
}

// Kind is the closed set of mutation labels.
type Kind string

const (
	KindValid           Kind = "valid"
	KindMissingRequired Kind = "missing_required"
	KindWrongType       Kind = "wrong_type"
	KindNullValue       Kind = "null_value"
	KindEmptyValue      Kind = "empty_value"
	KindBoundary        Kind = "boundary"
	KindExtraField      Kind = "extra_field"
)

// Mutation is one generated probe input.
type Mutation struct {
	Kind     Kind
	Property string // the property this mutation targets; empty for "valid" and "extra_field"
	Args     map[string]any
}

const extraFieldKey = "_unknown_field"

// defaultValue returns the type-default value the "valid" control uses to
// fill every declared property.
func defaultValue(t PropertyType) any {
	switch t {
	case TypeString:
		return "test_value"
	case TypeInteger, TypeNumber:
		return 42
	case TypeBoolean:
		return true
	case TypeArray:
		return []any{}
	case TypeObject:
		return map[string]any{}
	default:
		return "test_value"
	}
}

// foreignValue returns a value of a type incompatible with t, for the
// wrong-type mutation.
func foreignValue(t PropertyType) any {
	if t == TypeString {
		return 12345
	}
	return "not_a_number"
}

func cloneValid(schema *Schema) map[string]any {
	args := make(map[string]any, len(schema.Properties))
	for _, p := range schema.Properties {
		args[p.Name] = defaultValue(p.Type)
	}
	return args
}

// Generate produces the finite, deterministic mutation sequence for a
// schema: one valid control, then per-property perturbations in declared
// order, then a single trailing extra-field variant.
func Generate(schema *Schema) []Mutation {
	if schema == nil {
		schema = &Schema{}
	}

	props := schema.Properties

	var out []Mutation
	out = append(out, Mutation{Kind: KindValid, Args: cloneValid(schema)})

	for _, p := range props {
		base := cloneValid(schema)

		if schema.Required != nil && schema.Required[p.Name] {
			missing := cloneArgs(base)
			delete(missing, p.Name)
			out = append(out, Mutation{Kind: KindMissingRequired, Property: p.Name, Args: missing})
		}

		wrongType := cloneArgs(base)
		wrongType[p.Name] = foreignValue(p.Type)
		out = append(out, Mutation{Kind: KindWrongType, Property: p.Name, Args: wrongType})

		nullVal := cloneArgs(base)
		nullVal[p.Name] = nil
		out = append(out, Mutation{Kind: KindNullValue, Property: p.Name, Args: nullVal})

		switch p.Type {
		case TypeString:
			empty := cloneArgs(base)
			empty[p.Name] = ""
			out = append(out, Mutation{Kind: KindEmptyValue, Property: p.Name, Args: empty})

			huge := cloneArgs(base)
			huge[p.Name] = repeatX(10000)
			out = append(out, Mutation{Kind: KindBoundary, Property: p.Name, Args: huge})

			traversal := cloneArgs(base)
			traversal[p.Name] = "../../../etc/passwd"
			out = append(out, Mutation{Kind: KindBoundary, Property: p.Name, Args: traversal})

		case TypeArray:
			empty := cloneArgs(base)
			empty[p.Name] = []any{}
			out = append(out, Mutation{Kind: KindEmptyValue, Property: p.Name, Args: empty})

		case TypeInteger, TypeNumber:
			neg := cloneArgs(base)
			neg[p.Name] = -1
			out = append(out, Mutation{Kind: KindBoundary, Property: p.Name, Args: neg})

			max := cloneArgs(base)
			max[p.Name] = maxSafeInteger
			out = append(out, Mutation{Kind: KindBoundary, Property: p.Name, Args: max})
		}
	}

	extra := cloneValid(schema)
	extra[extraFieldKey] = "unexpected"
	out = append(out, Mutation{Kind: KindExtraField, Args: extra})

	return out
}

// maxSafeInteger is 2^53-1, the boundary spec.md names for numeric fields.
const maxSafeInteger = 9007199254740991

func cloneArgs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func repeatX(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
