package federation

import (
	executor "github.com/hanpama/brokerql/internal/executor"
	language "github.com/hanpama/brokerql/internal/language"
	schema "github.com/hanpama/brokerql/internal/schema"
)

// keyAliasPrefix prefixes the aliases under which the parent fields needed
// by linked resolvers are requested from backends.
const keyAliasPrefix = "_gw_"

func keyAlias(field string) string { return keyAliasPrefix + field }

// delegation builds the operation sent to one backend for a group of root
// field tasks of the same operation, and the variables it references.
func (s *Snapshot) delegation(tasks []executor.AsyncResolveTask) (*language.QueryDocument, map[string]any) {
	info := tasks[0].Info
	rw := &rewriter{
		snap:      s,
		vars:      map[string]bool{},
		fragments: map[string]*language.FragmentDefinition{},
	}

	var selection language.SelectionSet
	for _, t := range tasks {
		for _, node := range t.Info.Nodes {
			selection = append(selection, rw.field(t.ObjectType, node))
		}
	}
	// Fragments may spread further fragments, so rewrite until none is pending.
	for len(rw.pending) > 0 {
		name := rw.pending[0]
		rw.pending = rw.pending[1:]
		def := info.Document.Fragments.ForName(name)
		if def == nil {
			continue
		}
		rw.fragments[name] = &language.FragmentDefinition{
			Name:          def.Name,
			TypeCondition: def.TypeCondition,
			Directives:    rw.directives(def.Directives),
			SelectionSet:  rw.selectionSet(def.TypeCondition, def.SelectionSet, false),
			Position:      def.Position,
		}
	}

	op := &language.OperationDefinition{
		Operation:    info.Operation.Operation,
		Name:         info.Operation.Name,
		SelectionSet: selection,
		Position:     info.Operation.Position,
	}
	variables := map[string]any{}
	for _, vd := range info.Operation.VariableDefinitions {
		if !rw.vars[vd.Variable] {
			continue
		}
		op.VariableDefinitions = append(op.VariableDefinitions, vd)
		if v, ok := info.Variables[vd.Variable]; ok {
			variables[vd.Variable] = v
		}
	}

	doc := &language.QueryDocument{Operations: language.OperationList{op}}
	for _, def := range info.Document.Fragments {
		if f, ok := rw.fragments[def.Name]; ok {
			doc.Fragments = append(doc.Fragments, f)
		}
	}
	return doc, variables
}

// rewriter copies selections for a backend: linked fields are replaced by
// the parent fields they need and __typename is added to nested selections.
type rewriter struct {
	snap      *Snapshot
	vars      map[string]bool
	fragments map[string]*language.FragmentDefinition
	pending   []string
}

func (rw *rewriter) field(parentType string, f *language.Field) *language.Field {
	out := &language.Field{
		Alias:      f.Alias,
		Name:       f.Name,
		Arguments:  f.Arguments,
		Directives: rw.directives(f.Directives),
		Position:   f.Position,
	}
	for _, arg := range f.Arguments {
		rw.collectVars(arg.Value)
	}
	if len(f.SelectionSet) > 0 {
		out.SelectionSet = rw.selectionSet(rw.fieldType(parentType, f.Name), f.SelectionSet, true)
	}
	return out
}

func (rw *rewriter) selectionSet(parentType string, set language.SelectionSet, withTypename bool) language.SelectionSet {
	out := make(language.SelectionSet, 0, len(set)+1)
	seen := map[string]bool{}
	for _, sel := range set {
		switch sel := sel.(type) {
		case *language.Field:
			if lf := rw.snap.link(parentType, sel.Name); lf != nil {
				for _, rp := range lf.spec.RootParams {
					alias := keyAlias(rp.Field)
					if seen[alias] {
						continue
					}
					seen[alias] = true
					out = append(out, &language.Field{Alias: alias, Name: rp.Field, Position: sel.Position})
				}
				continue
			}
			if sel.Name == "__typename" && sel.Alias == "__typename" {
				seen["__typename"] = true
			}
			out = append(out, rw.field(parentType, sel))
		case *language.InlineFragment:
			typ := sel.TypeCondition
			if typ == "" {
				typ = parentType
			}
			out = append(out, &language.InlineFragment{
				TypeCondition: sel.TypeCondition,
				Directives:    rw.directives(sel.Directives),
				SelectionSet:  rw.selectionSet(typ, sel.SelectionSet, false),
				Position:      sel.Position,
			})
		case *language.FragmentSpread:
			if _, done := rw.fragments[sel.Name]; !done && !rw.isPending(sel.Name) {
				rw.pending = append(rw.pending, sel.Name)
			}
			out = append(out, &language.FragmentSpread{
				Name:       sel.Name,
				Directives: rw.directives(sel.Directives),
				Position:   sel.Position,
			})
		}
	}
	if withTypename && !seen["__typename"] {
		out = append(out, &language.Field{Alias: "__typename", Name: "__typename"})
	}
	return out
}

func (rw *rewriter) isPending(name string) bool {
	for _, p := range rw.pending {
		if p == name {
			return true
		}
	}
	return false
}

func (rw *rewriter) directives(list language.DirectiveList) language.DirectiveList {
	for _, d := range list {
		for _, arg := range d.Arguments {
			rw.collectVars(arg.Value)
		}
	}
	return list
}

func (rw *rewriter) collectVars(v *language.Value) {
	if v == nil {
		return
	}
	if v.Kind == language.Variable {
		rw.vars[v.Raw] = true
		return
	}
	for _, child := range v.Children {
		rw.collectVars(child.Value)
	}
}

func (rw *rewriter) fieldType(parentType, field string) string {
	t := rw.snap.Schema.Types[parentType]
	if t == nil {
		return ""
	}
	if f := t.Field(field); f != nil {
		return schema.GetNamedType(f.Type)
	}
	return ""
}

// keyValue reads a linked field's root param from its parent value.
func keyValue(source any, field string) any {
	m, ok := source.(map[string]any)
	if !ok {
		return nil
	}
	if v, ok := m[keyAlias(field)]; ok {
		return v
	}
	return m[field]
}
