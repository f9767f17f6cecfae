package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chop-dbhi/icd-lookup/internal/query"
)

func TestReadNormalizer(t *testing.T) {
	t.Parallel()

	n, err := readNormalizer("")
	if err != nil || n != query.Default() {
		t.Fatalf("expected the embedded dictionary, got %v", err)
	}

	file := filepath.Join(t.TempDir(), "terms.yaml")
	content := "synonyms:\n  sugar disease: diabetes mellitus\n"
	if err := os.WriteFile(file, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	n, err = readNormalizer(file)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := n.Rewrite("sugar disease"); got.Query != "diabetes mellitus" || got.Rule != query.RuleSynonym {
		t.Errorf("unexpected rewrite %+v", got)
	}

	if _, err := readNormalizer(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
