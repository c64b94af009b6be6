// Package artifacts persists workflow outputs on disk. Files are grouped
// per kind under the configured root and every file is self-describing JSON
// carrying a schema_version, so downstream tooling can read them without
// the producing process.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/store"
)

// SchemaVersion is written into every artifact envelope.
const SchemaVersion = 1

// Kind is an artifact family; each gets its own subdirectory.
type Kind string

// Artifact kinds.
const (
	KindContract    Kind = "contracts"
	KindConvergence Kind = "convergences"
	KindValidation  Kind = "validation"
	KindHistory     Kind = "history"
)

var kinds = map[Kind]bool{
	KindContract:    true,
	KindConvergence: true,
	KindValidation:  true,
	KindHistory:     true,
}

// Envelope wraps every persisted artifact.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Kind          string          `json:"kind"`
	ID            string          `json:"id"`
	WrittenAt     time.Time       `json:"written_at"`
	Data          json.RawMessage `json:"data"`
}

// Store writes and reads artifacts under one root directory.
type Store struct {
	root string
}

// NewStore creates an artifact store rooted at the configured directory.
func NewStore(cfg *config.ArtifactsConfig) *Store {
	if cfg == nil {
		cfg = config.DefaultArtifactsConfig()
	}
	return &Store{root: cfg.RootDir}
}

// Save persists one artifact and returns its path. Writes go through a
// temp file and rename so readers never see a partial artifact.
func (s *Store) Save(kind Kind, id string, data any) (string, error) {
	if !kinds[kind] {
		return "", store.NewValidationError("kind", fmt.Sprintf("unknown artifact kind %q", kind))
	}
	if err := checkID(id); err != nil {
		return "", err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode artifact %s/%s: %w", kind, id, err)
	}
	env := Envelope{
		SchemaVersion: SchemaVersion,
		Kind:          string(kind),
		ID:            id,
		WrittenAt:     time.Now().UTC(),
		Data:          raw,
	}
	body, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode envelope %s/%s: %w", kind, id, err)
	}

	dir := filepath.Join(s.root, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, id+".json")
	tmp, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish artifact %s: %w", path, err)
	}
	return path, nil
}

// Load reads one artifact, decodes its payload into out when out is
// non-nil, and returns the envelope.
func (s *Store) Load(kind Kind, id string, out any) (*Envelope, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, string(kind), id+".json")
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s/%s: %w", kind, id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if env.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("artifact %s: schema_version %d newer than supported %d", path, env.SchemaVersion, SchemaVersion)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decode artifact payload %s: %w", path, err)
		}
	}
	return &env, nil
}

// List returns the artifact ids of one kind, sorted.
func (s *Store) List(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s artifacts: %w", kind, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// checkID keeps artifact ids usable as file names.
func checkID(id string) error {
	if id == "" {
		return store.NewValidationError("id", "required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return store.NewValidationError("id", "must not contain path separators")
	}
	return nil
}
