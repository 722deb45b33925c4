package introspection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	schema "github.com/hanpama/brokerql/internal/schema"
)

// ErrNoSchema is returned when an introspection result lacks __schema.
var ErrNoSchema = errors.New("introspection: result has no __schema")

type introspectionData struct {
	Schema *introspectedSchema `json:"__schema"`
}

type introspectedSchema struct {
	Description      *string                 `json:"description"`
	QueryType        *namedTypeRef           `json:"queryType"`
	MutationType     *namedTypeRef           `json:"mutationType"`
	SubscriptionType *namedTypeRef           `json:"subscriptionType"`
	Types            []introspectedType      `json:"types"`
	Directives       []introspectedDirective `json:"directives"`
}

type namedTypeRef struct {
	Name string `json:"name"`
}

type introspectedType struct {
	Kind           string                   `json:"kind"`
	Name           string                   `json:"name"`
	Description    *string                  `json:"description"`
	SpecifiedByURL *string                  `json:"specifiedByURL"`
	IsOneOf        *bool                    `json:"isOneOf"`
	Fields         []introspectedField      `json:"fields"`
	InputFields    []introspectedInputValue `json:"inputFields"`
	Interfaces     []introspectedTypeRef    `json:"interfaces"`
	EnumValues     []introspectedEnumValue  `json:"enumValues"`
	PossibleTypes  []introspectedTypeRef    `json:"possibleTypes"`
}

type introspectedField struct {
	Name              string                   `json:"name"`
	Description       *string                  `json:"description"`
	Args              []introspectedInputValue `json:"args"`
	Type              *introspectedTypeRef     `json:"type"`
	IsDeprecated      bool                     `json:"isDeprecated"`
	DeprecationReason *string                  `json:"deprecationReason"`
}

type introspectedInputValue struct {
	Name              string               `json:"name"`
	Description       *string              `json:"description"`
	Type              *introspectedTypeRef `json:"type"`
	DefaultValue      *string              `json:"defaultValue"`
	IsDeprecated      bool                 `json:"isDeprecated"`
	DeprecationReason *string              `json:"deprecationReason"`
}

type introspectedEnumValue struct {
	Name              string  `json:"name"`
	Description       *string `json:"description"`
	IsDeprecated      bool    `json:"isDeprecated"`
	DeprecationReason *string `json:"deprecationReason"`
}

type introspectedDirective struct {
	Name         string                   `json:"name"`
	Description  *string                  `json:"description"`
	IsRepeatable bool                     `json:"isRepeatable"`
	Locations    []string                 `json:"locations"`
	Args         []introspectedInputValue `json:"args"`
}

type introspectedTypeRef struct {
	Kind   string               `json:"kind"`
	Name   *string              `json:"name"`
	OfType *introspectedTypeRef `json:"ofType"`
}

// BuildClientSchema converts the data of an introspection response into a
// Schema. data may be the decoded JSON object or any value that marshals to
// one. Introspection types and built-in directives are skipped.
func BuildClientSchema(data any) (*schema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("introspection: encode result: %w", err)
	}
	var res introspectionData
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("introspection: decode result: %w", err)
	}
	if res.Schema == nil {
		return nil, ErrNoSchema
	}
	in := res.Schema
	if in.QueryType == nil || in.QueryType.Name == "" {
		return nil, fmt.Errorf("introspection: schema has no query type")
	}

	out := schema.NewSchema(deref(in.Description)).AddBuiltins()
	out.SetQueryType(in.QueryType.Name)
	if in.MutationType != nil {
		out.SetMutationType(in.MutationType.Name)
	}
	if in.SubscriptionType != nil {
		out.SetSubscriptionType(in.SubscriptionType.Name)
	}

	for _, it := range in.Types {
		if strings.HasPrefix(it.Name, "__") || isBuiltinScalarName(it.Name) {
			continue
		}
		t, err := buildClientType(it)
		if err != nil {
			return nil, err
		}
		out.AddType(t)
	}
	for _, d := range in.Directives {
		switch d.Name {
		case "include", "skip", "deprecated", "specifiedBy", "oneOf", "defer":
			continue
		}
		dir := schema.NewDirective(d.Name, deref(d.Description)).SetRepeatable(d.IsRepeatable)
		dir.Locations = append(dir.Locations, d.Locations...)
		for _, a := range d.Args {
			iv, err := buildClientInputValue(a)
			if err != nil {
				return nil, fmt.Errorf("introspection: directive @%s: %w", d.Name, err)
			}
			dir.AddArgument(iv)
		}
		out.AddDirective(dir)
	}

	for name := range map[string]bool{out.QueryType: true, out.MutationType: true, out.SubscriptionType: true} {
		if name != "" && out.Types[name] == nil {
			return nil, fmt.Errorf("introspection: root type %s is not defined", name)
		}
	}
	return out, nil
}

func buildClientType(it introspectedType) (*schema.Type, error) {
	kind := schema.TypeKind(it.Kind)
	t := schema.NewType(it.Name, kind, deref(it.Description))
	switch kind {
	case schema.TypeKindObject, schema.TypeKindInterface:
		for _, ref := range it.Interfaces {
			t.AddInterface(deref(ref.Name))
		}
		for _, f := range it.Fields {
			typ, err := buildClientTypeRef(f.Type)
			if err != nil {
				return nil, fmt.Errorf("introspection: %s.%s: %w", it.Name, f.Name, err)
			}
			field := schema.NewField(f.Name, deref(f.Description), typ)
			if f.IsDeprecated {
				field.Deprecate(deref(f.DeprecationReason))
			}
			for _, a := range f.Args {
				iv, err := buildClientInputValue(a)
				if err != nil {
					return nil, fmt.Errorf("introspection: %s.%s(%s): %w", it.Name, f.Name, a.Name, err)
				}
				field.AddArgument(iv)
			}
			t.AddField(field)
		}
		for _, ref := range it.PossibleTypes {
			t.AddPossibleType(deref(ref.Name))
		}
	case schema.TypeKindUnion:
		for _, ref := range it.PossibleTypes {
			t.AddPossibleType(deref(ref.Name))
		}
	case schema.TypeKindEnum:
		for _, v := range it.EnumValues {
			ev := schema.NewEnumValue(v.Name, deref(v.Description))
			if v.IsDeprecated {
				ev.Deprecate(deref(v.DeprecationReason))
			}
			t.AddEnumValue(ev)
		}
	case schema.TypeKindInputObject:
		t.SetOneOf(it.IsOneOf != nil && *it.IsOneOf)
		for _, a := range it.InputFields {
			iv, err := buildClientInputValue(a)
			if err != nil {
				return nil, fmt.Errorf("introspection: %s.%s: %w", it.Name, a.Name, err)
			}
			t.AddInputField(iv)
		}
	case schema.TypeKindScalar:
		t.SpecifiedByURL = it.SpecifiedByURL
	default:
		return nil, fmt.Errorf("introspection: type %s has unknown kind %q", it.Name, it.Kind)
	}
	return t, nil
}

func buildClientInputValue(a introspectedInputValue) (*schema.InputValue, error) {
	typ, err := buildClientTypeRef(a.Type)
	if err != nil {
		return nil, err
	}
	iv := schema.NewInputValue(a.Name, deref(a.Description), typ)
	if a.DefaultValue != nil {
		v, err := parseLiteral(*a.DefaultValue)
		if err != nil {
			return nil, fmt.Errorf("default value %q: %w", *a.DefaultValue, err)
		}
		iv.SetDefault(v)
	}
	if a.IsDeprecated {
		iv.Deprecate(deref(a.DeprecationReason))
	}
	return iv, nil
}

func buildClientTypeRef(ref *introspectedTypeRef) (*schema.TypeRef, error) {
	if ref == nil {
		return nil, fmt.Errorf("missing type reference")
	}
	switch ref.Kind {
	case "NON_NULL":
		inner, err := buildClientTypeRef(ref.OfType)
		if err != nil {
			return nil, err
		}
		return schema.NonNullType(inner), nil
	case "LIST":
		inner, err := buildClientTypeRef(ref.OfType)
		if err != nil {
			return nil, err
		}
		return schema.ListType(inner), nil
	}
	if ref.Name == nil || *ref.Name == "" {
		return nil, fmt.Errorf("named type reference of kind %s has no name", ref.Kind)
	}
	return schema.NamedType(*ref.Name), nil
}

// parseLiteral parses a GraphQL input literal such as `10`, `"x"` or `{a: [1]}`.
func parseLiteral(literal string) (any, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: "{ f(v: " + literal + ") }"})
	if err != nil {
		return nil, err
	}
	field, ok := doc.Operations[0].SelectionSet[0].(*ast.Field)
	if !ok || len(field.Arguments) != 1 {
		return nil, fmt.Errorf("not a literal")
	}
	return field.Arguments[0].Value.Value(nil)
}

func isBuiltinScalarName(name string) bool {
	switch name {
	case "String", "Int", "Float", "Boolean", "ID":
		return true
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
