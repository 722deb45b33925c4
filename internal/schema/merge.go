package schema

import (
	"fmt"
	"sort"
)

// Standard root operation type names used by merged schemas.
const (
	QueryTypeName        = "Query"
	MutationTypeName     = "Mutation"
	SubscriptionTypeName = "Subscription"
)

// Merge combines schemas into a new Schema. Inputs are not modified.
//
// Root operation types are renamed to Query, Mutation and Subscription before
// merging. Named types are combined by name: fields, input fields and
// directives are last-wins by name while interfaces, possible types and enum
// values are unioned. When two inputs define the same name with different
// kinds the later definition replaces the earlier one.
func Merge(schemas ...*Schema) (*Schema, error) {
	out := NewSchema("").AddBuiltins()

	for i, s := range schemas {
		if s == nil {
			return nil, fmt.Errorf("merge: schema %d is nil", i)
		}
		renames := rootRenames(s)
		if s.Description != "" {
			out.Description = s.Description
		}
		if s.QueryType != "" {
			out.QueryType = QueryTypeName
		}
		if s.MutationType != "" {
			out.MutationType = MutationTypeName
		}
		if s.SubscriptionType != "" {
			out.SubscriptionType = SubscriptionTypeName
		}

		names := make([]string, 0, len(s.Types))
		for name := range s.Types {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t := s.Types[name]
			if isBuiltinScalar(t) {
				continue
			}
			in := cloneType(t, renames)
			existing := out.Types[in.Name]
			if existing == nil || existing.Kind != in.Kind || isBuiltinScalar(existing) {
				out.Types[in.Name] = in
				continue
			}
			mergeInto(existing, in)
		}

		for name, d := range s.Directives {
			if d == includeDirective || d == skipDirective {
				continue
			}
			out.Directives[name] = cloneDirective(d, renames)
		}
	}

	linkPossibleTypes(out)
	return out, nil
}

// Clone returns a deep copy of s.
func Clone(s *Schema) *Schema {
	if s == nil {
		return nil
	}
	out := NewSchema(s.Description)
	out.QueryType = s.QueryType
	out.MutationType = s.MutationType
	out.SubscriptionType = s.SubscriptionType
	for name, t := range s.Types {
		if isBuiltinScalar(t) {
			out.Types[name] = t
			continue
		}
		out.Types[name] = cloneType(t, nil)
	}
	for name, d := range s.Directives {
		if d == includeDirective || d == skipDirective {
			out.Directives[name] = d
			continue
		}
		out.Directives[name] = cloneDirective(d, nil)
	}
	return out
}

func isBuiltinScalar(t *Type) bool {
	switch t {
	case stringType, intType, floatType, booleanType, idType:
		return true
	}
	return false
}

func rootRenames(s *Schema) map[string]string {
	renames := map[string]string{}
	if s.QueryType != "" && s.QueryType != QueryTypeName {
		renames[s.QueryType] = QueryTypeName
	}
	if s.MutationType != "" && s.MutationType != MutationTypeName {
		renames[s.MutationType] = MutationTypeName
	}
	if s.SubscriptionType != "" && s.SubscriptionType != SubscriptionTypeName {
		renames[s.SubscriptionType] = SubscriptionTypeName
	}
	return renames
}

func rename(renames map[string]string, name string) string {
	if to, ok := renames[name]; ok {
		return to
	}
	return name
}

func mergeInto(dst, src *Type) {
	if src.Description != "" {
		dst.Description = src.Description
	}
	for _, f := range src.Fields {
		dst.AddField(f)
	}
	for _, name := range src.Interfaces {
		dst.AddInterface(name)
	}
	for _, name := range src.PossibleTypes {
		dst.AddPossibleType(name)
	}
	for _, v := range src.EnumValues {
		if !hasEnumValue(dst, v.Name) {
			dst.EnumValues = append(dst.EnumValues, v)
		}
	}
	for _, v := range src.InputFields {
		dst.AddInputField(v)
	}
	if src.SpecifiedByURL != nil {
		dst.SpecifiedByURL = src.SpecifiedByURL
	}
	dst.OneOf = dst.OneOf || src.OneOf
}

func hasEnumValue(t *Type, name string) bool {
	for _, v := range t.EnumValues {
		if v.Name == name {
			return true
		}
	}
	return false
}

// linkPossibleTypes records every object under the interfaces it implements.
func linkPossibleTypes(s *Schema) {
	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.Types[name]
		if t.Kind != TypeKindObject {
			continue
		}
		for _, iface := range t.Interfaces {
			if it := s.Types[iface]; it != nil && it.Kind == TypeKindInterface {
				it.AddPossibleType(t.Name)
			}
		}
	}
}

func cloneType(t *Type, renames map[string]string) *Type {
	out := &Type{
		Name:        rename(renames, t.Name),
		Kind:        t.Kind,
		Description: t.Description,
		OneOf:       t.OneOf,
	}
	if t.SpecifiedByURL != nil {
		url := *t.SpecifiedByURL
		out.SpecifiedByURL = &url
	}
	for _, f := range t.Fields {
		out.Fields = append(out.Fields, cloneField(f, renames))
	}
	for _, name := range t.Interfaces {
		out.Interfaces = append(out.Interfaces, rename(renames, name))
	}
	for _, name := range t.PossibleTypes {
		out.PossibleTypes = append(out.PossibleTypes, rename(renames, name))
	}
	for _, v := range t.EnumValues {
		ev := *v
		out.EnumValues = append(out.EnumValues, &ev)
	}
	for _, v := range t.InputFields {
		out.InputFields = append(out.InputFields, cloneInputValue(v, renames))
	}
	return out
}

func cloneField(f *Field, renames map[string]string) *Field {
	out := &Field{
		Name:              f.Name,
		Description:       f.Description,
		Type:              cloneTypeRef(f.Type, renames),
		Async:             f.Async,
		IsDeprecated:      f.IsDeprecated,
		DeprecationReason: f.DeprecationReason,
	}
	for _, a := range f.Arguments {
		out.Arguments = append(out.Arguments, cloneInputValue(a, renames))
	}
	return out
}

func cloneInputValue(v *InputValue, renames map[string]string) *InputValue {
	out := *v
	out.Type = cloneTypeRef(v.Type, renames)
	return &out
}

func cloneDirective(d *Directive, renames map[string]string) *Directive {
	out := &Directive{
		Name:         d.Name,
		Description:  d.Description,
		Locations:    append([]string(nil), d.Locations...),
		IsRepeatable: d.IsRepeatable,
	}
	for _, a := range d.Arguments {
		out.Arguments = append(out.Arguments, cloneInputValue(a, renames))
	}
	return out
}

func cloneTypeRef(t *TypeRef, renames map[string]string) *TypeRef {
	if t == nil {
		return nil
	}
	return &TypeRef{
		Kind:   t.Kind,
		Named:  rename(renames, t.Named),
		OfType: cloneTypeRef(t.OfType, renames),
	}
}
