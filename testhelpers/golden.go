package testhelpers

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

var updateGolden = flag.Bool("update", false, "rewrite golden files under testdata/")

func goldenPath(name string) string { return filepath.Join("testdata", name) }

// LoadGolden reads testdata/name.
func LoadGolden(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(goldenPath(name))
	if err != nil {
		t.Fatalf("unable to load golden file %s: %v", name, err)
	}
	return b
}

// SaveGolden writes contents to testdata/name, creating testdata/ if needed.
func SaveGolden(t *testing.T, name string, contents []byte) {
	t.Helper()
	if err := os.MkdirAll("testdata", 0o700); err != nil {
		t.Fatalf("unable to make testdata directory: %v", err)
	}
	if err := os.WriteFile(goldenPath(name), contents, 0o600); err != nil {
		t.Fatalf("unable to write golden file %s: %v", name, err)
	}
}

// CompareGolden checks actual against testdata/name, first rewriting the
// file when `go test` runs with -update.
func CompareGolden(t *testing.T, desc, name string, actual []byte) bool {
	t.Helper()
	if *updateGolden {
		SaveGolden(t, name, actual)
	}
	if expected := LoadGolden(t, name); !bytes.Equal(actual, expected) {
		t.Errorf("%s: got:\n%s\nexpecting:\n%s", desc, actual, expected)
		return false
	}
	return true
}
