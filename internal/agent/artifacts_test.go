package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestArtifactStoreWriteThenDescribeRoundTrip(t *testing.T) {
	store := NewArtifactStore(t.TempDir())

	fileHash, err := store.Write("SELECT region, total FROM sales",
		[]string{"region", "total"},
		[][]any{{"east", 12.5}, {"west", 9.0}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if fileHash == "" {
		t.Fatalf("got empty fileHash")
	}

	cols, sample, err := store.Describe(fileHash)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(cols) != 2 || cols[0] != "region" || cols[1] != "total" {
		t.Fatalf("got columns=%v want [region total]", cols)
	}
	if len(sample) != 2 || sample[0] != "east" {
		t.Fatalf("got sample=%v want the first data row", sample)
	}
}

func TestArtifactStoreWriteIsDeterministicForIdenticalInputs(t *testing.T) {
	store := NewArtifactStore(t.TempDir())

	h1, err := store.Write("SELECT 1", []string{"n"}, [][]any{{1}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	h2, err := store.Write("SELECT 1", []string{"n"}, [][]any{{1}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("got h1=%q h2=%q want identical fileHash for identical sql/columns/rows", h1, h2)
	}
}

func TestArtifactStoreWriteLeavesNoStrayTempFile(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(dir)

	fileHash, err := store.Write("SELECT 1", []string{"n"}, [][]any{{1}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, fileHash))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".csv" {
			t.Fatalf("got stray non-csv artifact %q, write-then-rename must leave only the final file", e.Name())
		}
	}
}

func TestArtifactStoreDescribeUnknownFileHashFails(t *testing.T) {
	store := NewArtifactStore(t.TempDir())

	if _, _, err := store.Describe("does-not-exist"); err == nil {
		t.Fatalf("got nil error want a failure when no artifact exists for the fileHash")
	}
}
