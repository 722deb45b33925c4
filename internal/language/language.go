package language

import (
	"bytes"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ParseSchemas parses several named sources into one document.
func ParseSchemas(sources map[string]string, order []string) (*SchemaDocument, error) {
	srcs := make([]*ast.Source, 0, len(order))
	for _, name := range order {
		srcs = append(srcs, &ast.Source{Name: name, Input: sources[name]})
	}
	doc, err := parser.ParseSchemas(srcs...)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// PrintQuery renders a query document back to its textual form.
func PrintQuery(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf, formatter.WithIndent("  ")).FormatQueryDocument(doc)
	return buf.String()
}

// PrintSchemaDocument renders a schema document back to SDL.
func PrintSchemaDocument(doc *SchemaDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf, formatter.WithIndent("  ")).FormatSchemaDocument(doc)
	return buf.String()
}
