package agentdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/god-agent/agentdb/pkg/config"
	"github.com/god-agent/agentdb/pkg/episode"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.LoadFromEnv()
	cfg.Storage.BaseDir = filepath.Join(t.TempDir(), "agentdb")
	cfg.Storage.LockTimeout = time.Second
	cfg.HNSW.M = 8
	cfg.HNSW.EfConstruction = 32
	cfg.HNSW.EfSearch = 16
	cfg.Bus.SocketPath = filepath.Join(t.TempDir(), "nonexistent.sock")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOpen_CreatesLayoutAndWires(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NotNil(t, db.Graph)
	require.NotNil(t, db.Vectors)
	require.NotNil(t, db.Episodes)
	require.NotNil(t, db.Linker)

	report, err := db.Integrity()
	require.NoError(t, err)
	require.True(t, report.IsValid)
}

func TestOpen_SecondOpenFailsFastOnLock(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(cfg)
	require.Error(t, err)
}

func TestSaveAndReopen_RoundTripsVectors(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)

	v := make([]float32, 1536)
	v[0] = 1
	id, err := db.Vectors.Insert(v)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	got, ok := db2.Vectors.GetVector(id)
	require.True(t, ok)
	require.Len(t, got, 1536)
}

func TestEpisodesAndLinkerWireTogether(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	meta := map[string]any{"agentType": "planner", "taskDescription": "run the thing"}
	a, err := db.Episodes.CreateEpisode(episode.CreateOptions{TaskID: "t", StartTime: time.Now(), Metadata: meta})
	require.NoError(t, err)
	b, err := db.Episodes.CreateEpisode(episode.CreateOptions{TaskID: "t", StartTime: time.Now(), Metadata: meta})
	require.NoError(t, err)

	require.NoError(t, db.Linker.LinkEpisodes(a, b, "ref"))
	require.ElementsMatch(t, []string{b}, db.Linker.GetLinkedEpisodes(a, 0))
}
