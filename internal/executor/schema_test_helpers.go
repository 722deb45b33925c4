package executor

import (
	"strings"
	"testing"

	schema "github.com/hanpama/brokerql/internal/schema"
)

// mustBuildSchema builds a schema from SDL and marks the listed
// "Type.field" coordinates as async.
func mustBuildSchema(t *testing.T, sdl string, async ...string) *schema.Schema {
	t.Helper()
	sch, err := schema.BuildFromSDL(sdl)
	if err != nil {
		t.Fatalf("schema error: %v", err)
	}
	for _, coord := range async {
		typeName, fieldName, _ := strings.Cut(coord, ".")
		typ := sch.Types[typeName]
		if typ == nil || typ.Field(fieldName) == nil {
			t.Fatalf("unknown field %s", coord)
		}
		typ.Field(fieldName).SetAsync(true)
	}
	return sch
}
