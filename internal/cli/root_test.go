package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fliws/immortyx/internal/model"
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("IMMORTYX")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	return v
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(newViper())
	require.NoError(t, err)

	want := model.DefaultConfig()
	assert.Equal(t, want.Scheduler, cfg.Scheduler)
	assert.Equal(t, want.Store, cfg.Store)
	assert.Equal(t, want.Topics, cfg.Topics)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  tick: 2s
  workers: 8
store:
  driver: memory
sources:
  - id: pubmed
    kind: pubmed
    poll_interval: 30m
    priority_weight: 1
    trust_prior: 0.8
`), 0o644))
	t.Setenv("IMMORTYX_STATUS_ADDR", "127.0.0.1:9999")

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "127.0.0.1:9999", cfg.Status.Addr)
	assert.Equal(t, model.DefaultConfig().Pipeline, cfg.Pipeline, "unset sections keep defaults")

	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, 30*time.Minute, cfg.Sources[0].PollIntervalHint)
	assert.Equal(t, model.SourceKindPubMed, cfg.Sources[0].Kind)
}

func TestWriteDefaultConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, writeDefaultConfig(f))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Immortyx Configuration File"))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConfig().Consensus, cfg.Consensus)
}

func TestReadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abstract.json")
	payload := `{"abstract": "Rapamycin extended lifespan in mice."}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	doc, err := readDocument(path, "manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", doc.SourceID)
	assert.Equal(t, "abstract.json", doc.SourceNativeID)
	assert.Equal(t, model.ContentHash([]byte(payload)), doc.ContentHash)
	assert.Equal(t, "application/json", doc.ContentType)

	_, err = readDocument(filepath.Join(t.TempDir(), "missing.json"), "manual")
	require.Error(t, err)
}
