package lifecycle

import (
	"path/filepath"
	"testing"
)

func TestRegistry_SaveAndRestore(t *testing.T) {
	dir := t.TempDir()
	path := DefaultStatePath(dir)

	r := New()
	if _, err := r.Load("autoload-me", Metadata{AutoLoad: true}, okOpener("gguf", 2048)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Load("manual-only", Metadata{}, okOpener("gguf", 4096)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Save(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r2 := New()
	opener := func(modelID string, meta Metadata) Opener {
		return okOpener(meta.Format, meta.SizeBytes)
	}
	if err := r2.Restore(path, opener); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := r2.Entry("autoload-me"); !ok {
		t.Error("expected auto_load entry to be restored")
	}
	if _, ok := r2.Entry("manual-only"); ok {
		t.Error("expected non-auto_load entry to stay unloaded")
	}
}

func TestRegistry_RestoreMissingFileIsNotError(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	if err := r.Restore(path, nil); err != nil {
		t.Errorf("expected no error for a missing state file, got %v", err)
	}
}
