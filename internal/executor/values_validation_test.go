package executor

import (
	"encoding/json"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"

	language "github.com/hanpama/brokerql/internal/language"
	schema "github.com/hanpama/brokerql/internal/schema"
)

func TestCoerceVariableValues_InputObjectValidation(t *testing.T) {
	sch := schema.NewSchema("")

	input := schema.NewType("FilterInput", schema.TypeKindInputObject, "")
	input.AddInputField(schema.NewInputValue("required", "", schema.NonNullType(schema.NamedType("String"))))
	input.AddInputField(schema.NewInputValue("optional", "", schema.NamedType("Int")))
	sch.AddType(input)

	op := &language.OperationDefinition{
		Operation: language.Query,
		VariableDefinitions: ast.VariableDefinitionList{
			&ast.VariableDefinition{
				Variable: "input",
				Type:     &ast.Type{NamedType: "FilterInput", NonNull: true},
			},
		},
	}

	_, err := coerceVariableValues(sch, op, map[string]any{
		"input": map[string]any{
			"optional": 10,
		},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required field 'required'")
}

func TestCoerceVariableValues_ScalarTypeMismatch(t *testing.T) {
	sch := schema.NewSchema("")

	op := &language.OperationDefinition{
		Operation: language.Query,
		VariableDefinitions: ast.VariableDefinitionList{
			&ast.VariableDefinition{
				Variable: "count",
				Type:     &ast.Type{NamedType: "Int", NonNull: true},
			},
		},
	}

	_, err := coerceVariableValues(sch, op, map[string]any{
		"count": "42",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot coerce")
}

func TestCoerceArgumentValues_EnumsAndOneOf(t *testing.T) {
	sch := mustBuildSchema(t, heredoc.Doc(`
		type Query { find(by: Lookup!, color: Color): String }
		enum Color { RED GREEN }
		directive @oneOf on INPUT_OBJECT
		input Lookup @oneOf { id: ID name: String }
	`))

	tests := []struct {
		name    string
		value   any
		typ     *schema.TypeRef
		want    any
		wantErr string
	}{
		{name: "known enum", value: "RED", typ: schema.NamedType("Color"), want: "RED"},
		{name: "unknown enum", value: "BLUE", typ: schema.NamedType("Color"), wantErr: "does not exist in enum Color"},
		{name: "one of", value: map[string]any{"id": float64(4)}, typ: schema.NamedType("Lookup"), want: map[string]any{"id": "4"}},
		{name: "one of with two fields", value: map[string]any{"id": "4", "name": "x"}, typ: schema.NamedType("Lookup"), wantErr: "exactly one field"},
		{name: "unknown input field", value: map[string]any{"slug": "x"}, typ: schema.NamedType("Lookup"), wantErr: "unknown field 'slug'"},
		{name: "list wraps single value", value: "GREEN", typ: schema.ListType(schema.NamedType("Color")), want: []any{"GREEN"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerceValue(sch, tt.value, tt.typ)
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSerializeScalar(t *testing.T) {
	tests := []struct {
		typ   string
		in    any
		want  any
		isErr bool
	}{
		{typ: "Int", in: json.Number("42"), want: 42},
		{typ: "Int", in: int64(7), want: 7},
		{typ: "Int", in: 1.5, isErr: true},
		{typ: "Float", in: json.Number("2.5"), want: 2.5},
		{typ: "ID", in: json.Number("10"), want: "10"},
		{typ: "ID", in: 3, want: "3"},
		{typ: "String", in: json.Number("1"), want: "1"},
		{typ: "Boolean", in: "true", isErr: true},
		{typ: "Status", in: "ACTIVE", want: "ACTIVE"},
		{typ: "JSON", in: map[string]any{"a": 1}, want: map[string]any{"a": 1}},
	}
	for _, tt := range tests {
		got, err := SerializeScalar(tt.typ, tt.in)
		if tt.isErr {
			require.Error(t, err, "%s %v", tt.typ, tt.in)
			continue
		}
		require.NoError(t, err, "%s %v", tt.typ, tt.in)
		require.Equal(t, tt.want, got, "%s %v", tt.typ, tt.in)
	}
}
