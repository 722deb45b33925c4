// Package testutil holds helpers shared by package tests.
package testutil

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
)

var update = flag.Bool("update", false, "rewrite golden files")

// Golden compares got with the file at path. A missing file is written
// from got, as is every file when the test runs with -update.
func Golden(t testing.TB, path string, got []byte) {
	t.Helper()
	want, err := os.ReadFile(path)
	if *update || errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, got, 0o644); err != nil {
			t.Fatal(err)
		}
		return
	}
	if err != nil {
		t.Fatal(err)
	}
	if d := Diff(path, "got", string(want), string(got)); d != "" {
		t.Errorf("%s mismatch:\n%s", path, d)
	}
}

// Diff returns a unified diff of want and got, or "" when they are equal.
func Diff(wantName, gotName, want, got string) string {
	if want == got {
		return ""
	}
	d, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(want),
		B:        difflib.SplitLines(got),
		FromFile: wantName,
		ToFile:   gotName,
		Context:  5,
	})
	if err != nil {
		return err.Error()
	}
	return d
}
