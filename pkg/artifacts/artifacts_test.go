package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(&config.ArtifactsConfig{RootDir: t.TempDir()})
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type verdict struct {
		Grade string  `json:"grade"`
		Score float64 `json:"score"`
	}
	path, err := s.Save(KindValidation, "release-1", verdict{Grade: "A", Score: 0.91})
	require.NoError(t, err)
	assert.FileExists(t, path)

	var got verdict
	env, err := s.Load(KindValidation, "release-1", &got)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, "validation", env.Kind)
	assert.Equal(t, "release-1", env.ID)
	assert.False(t, env.WrittenAt.IsZero())
	assert.Equal(t, verdict{Grade: "A", Score: 0.91}, got)
}

func TestSaveIsSelfDescribingJSON(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Save(KindContract, "orders-v2", map[string]string{"name": "orders"})
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.EqualValues(t, 1, raw["schema_version"])
	assert.Equal(t, "contracts", raw["kind"])
}

func TestSaveGroupsByKind(t *testing.T) {
	s := newTestStore(t)

	p1, err := s.Save(KindConvergence, "cs-1", map[string]int{"decisions": 2})
	require.NoError(t, err)
	p2, err := s.Save(KindHistory, "run-1", map[string]int{"attempts": 3})
	require.NoError(t, err)

	assert.Equal(t, "convergences", filepath.Base(filepath.Dir(p1)))
	assert.Equal(t, "history", filepath.Base(filepath.Dir(p2)))
}

func TestSaveOverwritesExisting(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(KindContract, "orders", map[string]string{"version": "1.0.0"})
	require.NoError(t, err)
	_, err = s.Save(KindContract, "orders", map[string]string{"version": "2.0.0"})
	require.NoError(t, err)

	var got map[string]string
	_, err = s.Load(KindContract, "orders", &got)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got["version"])

	ids, err := s.List(KindContract)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, ids)
}

func TestSaveValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(Kind("secrets"), "x", nil)
	assert.True(t, store.IsValidationError(err))

	_, err = s.Save(KindContract, "", nil)
	assert.True(t, store.IsValidationError(err))

	_, err = s.Save(KindContract, "../escape", nil)
	assert.True(t, store.IsValidationError(err))
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(KindHistory, "nope", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSortedAndEmpty(t *testing.T) {
	s := newTestStore(t)

	ids, err := s.List(KindValidation)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"b", "a", "c"} {
		_, err := s.Save(KindValidation, id, map[string]bool{"ok": true})
		require.NoError(t, err)
	}
	ids, err = s.List(KindValidation)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	s := newTestStore(t)

	dir := filepath.Join(t.TempDir(), "validation")
	s.root = filepath.Dir(dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"schema_version": 99, "kind": "validation", "id": "v1", "data": {}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1.json"), []byte(body), 0o644))

	_, err := s.Load(KindValidation, "v1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_version")
}
