package schema

import (
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Extend applies SDL holding new definitions and extensions of existing types
// to s in place. Unlike BuildFromSDL the source does not need to be a complete
// schema, so it may extend types that only exist in s. Every type referenced
// after the extension must be defined.
func Extend(s *Schema, sdl string) error {
	doc, err := parser.ParseSchema(&ast.Source{Name: "typedefs.graphql", Input: sdl})
	if err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	scope := &ast.Schema{}

	for _, def := range doc.Definitions {
		t, err := buildDefinition(scope, def)
		if err != nil {
			return fmt.Errorf("extend: %w", err)
		}
		existing := s.Types[t.Name]
		switch {
		case existing == nil:
			s.AddType(t)
		case isBuiltinScalar(existing):
			return fmt.Errorf("extend: cannot redefine built-in scalar %s", t.Name)
		case existing.Kind != t.Kind:
			return fmt.Errorf("extend: %s is already defined as %s", t.Name, existing.Kind)
		default:
			mergeInto(existing, t)
		}
	}
	for _, def := range doc.Extensions {
		t, err := buildDefinition(scope, def)
		if err != nil {
			return fmt.Errorf("extend: %w", err)
		}
		existing := s.Types[t.Name]
		if existing == nil {
			return fmt.Errorf("extend: cannot extend undefined type %s", t.Name)
		}
		if existing.Kind != t.Kind || isBuiltinScalar(existing) {
			return fmt.Errorf("extend: cannot extend %s %s as %s", existing.Kind, t.Name, t.Kind)
		}
		mergeInto(existing, t)
	}
	for _, dir := range doc.Directives {
		if builtinDirectiveNames[dir.Name] {
			continue
		}
		s.AddDirective(buildDirective(dir))
	}

	linkPossibleTypes(s)
	return validateRefs(s)
}

func validateRefs(s *Schema) error {
	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	check := func(where string, ref *TypeRef) error {
		if ref == nil {
			return nil
		}
		if named := ref.GetNamedType(); s.Types[named] == nil {
			return fmt.Errorf("extend: %s refers to undefined type %s", where, named)
		}
		return nil
	}
	for _, name := range names {
		t := s.Types[name]
		for _, f := range t.Fields {
			if err := check(t.Name+"."+f.Name, f.Type); err != nil {
				return err
			}
			for _, a := range f.Arguments {
				if err := check(t.Name+"."+f.Name+"("+a.Name+")", a.Type); err != nil {
					return err
				}
			}
		}
		for _, v := range t.InputFields {
			if err := check(t.Name+"."+v.Name, v.Type); err != nil {
				return err
			}
		}
		for _, iface := range t.Interfaces {
			if it := s.Types[iface]; it == nil || it.Kind != TypeKindInterface {
				return fmt.Errorf("extend: %s implements unknown interface %s", t.Name, iface)
			}
		}
		for _, p := range t.PossibleTypes {
			if pt := s.Types[p]; pt == nil || pt.Kind != TypeKindObject {
				return fmt.Errorf("extend: %s has unknown member %s", t.Name, p)
			}
		}
	}
	return nil
}
