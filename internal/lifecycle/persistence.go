package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/defilantech/llmrund/internal/apperr"
)

const persistenceSchemaVersion = 1

type persistedEntry struct {
	ModelID     string    `json:"model_id"`
	Format      string    `json:"format"`
	SizeBytes   int64     `json:"size_bytes"`
	MemoryBytes int64     `json:"memory_bytes"`
	LoadedAt    time.Time `json:"loaded_at"`
	AutoLoad    bool      `json:"auto_load"`
}

type persistedState struct {
	SchemaVersion int              `json:"schema_version"`
	Entries       []persistedEntry `json:"entries"`
}

// Save writes the registry's current entries to path as JSON, via a
// temp-file-then-rename so a crash mid-write never leaves a truncated
// file in path's place.
func (r *Registry) Save(path string) error {
	r.mu.RLock()
	state := persistedState{SchemaVersion: persistenceSchemaVersion}
	for _, e := range r.entries {
		state.Entries = append(state.Entries, persistedEntry{
			ModelID:     e.ModelID,
			Format:      e.Format,
			SizeBytes:   e.SizeBytes,
			MemoryBytes: e.MemoryBytes,
			LoadedAt:    e.LoadedAt,
			AutoLoad:    e.AutoLoad,
		})
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "marshaling registry state", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "writing registry state", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "committing registry state", err)
	}
	return nil
}

// Restore loads persisted entries from path and, for each one with
// AutoLoad set, re-loads it via opener(modelID, meta). A missing file is not
// an error — an empty registry simply starts cold.
func (r *Registry) Restore(path string, opener func(modelID string, meta Metadata) Opener) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.CodeInternal, "opening registry state", err)
	}
	defer f.Close()

	var state persistedState
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "decoding registry state", err)
	}

	for _, pe := range state.Entries {
		if !pe.AutoLoad {
			continue
		}
		meta := Metadata{
			Format:      pe.Format,
			SizeBytes:   pe.SizeBytes,
			MemoryBytes: pe.MemoryBytes,
			AutoLoad:    true,
		}
		if _, err := r.Load(pe.ModelID, meta, opener(pe.ModelID, meta)); err != nil {
			return apperr.Wrap(apperr.CodeModelLoadFailed, "auto-loading "+pe.ModelID, err)
		}
	}
	return nil
}

// DefaultStatePath returns the conventional registry persistence path
// under dir.
func DefaultStatePath(dir string) string {
	return filepath.Join(dir, "registry_state.json")
}
