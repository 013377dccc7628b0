package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsFromEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv("MERGER_EXTRACTION_PROJECT_ID", "proj-1")
	t.Setenv("MERGER_PATHS_ROOT", root)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "proj-1", cfg.Extraction.ProjectID)
	assert.Equal(t, "us-central1", cfg.Extraction.Region)
	assert.Equal(t, filepath.Join(root, "Purchase_order"), cfg.Paths.PurchaseOrder)
	assert.Equal(t, filepath.Join(root, "quarantine"), cfg.Paths.Quarantine)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.Interval)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxFileSize())
	assert.True(t, cfg.Pipeline.ArchiveMerged)
	assert.True(t, cfg.Reconcile.FuzzyMatchEnabled)
	assert.Equal(t, "proj-1", cfg.Storage.FirestoreProjectID)
	assert.Zero(t, cfg.Pipeline.StaleAfter)
}

func TestLoad_CredentialsOnlyRequiredForModel(t *testing.T) {
	t.Setenv("MERGER_EXTRACTION_PROJECT_ID", "")
	t.Setenv("MERGER_PATHS_ROOT", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err, "offline commands load without credentials")

	err = cfg.RequireModel()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_id")

	cfg.Extraction.ProjectID = "proj-1"
	assert.NoError(t, cfg.RequireModel())
	cfg.Extraction.Region = ""
	assert.Error(t, cfg.RequireModel())
}

func TestLoad_ConfigFileAndOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "merger.yaml")
	content := `
extraction:
  project_id: from-file
pipeline:
  interval: 30s
  archive_merged: false
storage:
  db_path: /tmp/state.db
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	t.Setenv("MERGER_STORAGE_DB_PATH", "/data/override.db")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Extraction.ProjectID)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Interval)
	assert.False(t, cfg.Pipeline.ArchiveMerged)
	assert.Equal(t, "/data/override.db", cfg.Storage.DBPath)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	require.NoError(t, base().validate())

	cfg := base()
	cfg.Storage.Backend = "postgres"
	assert.Error(t, cfg.validate())

	cfg = base()
	cfg.Extraction.CacheBackend = "redis"
	assert.Error(t, cfg.validate())
	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.validate())

	cfg = base()
	cfg.Reconcile.SimilarityThreshold = 1.5
	assert.Error(t, cfg.validate())

	cfg = base()
	cfg.Publish.WorkflowID = "wf"
	assert.Error(t, cfg.validate())
}

func TestLoadPatterns(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		p, err := LoadPatterns(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultPatterns().InvoiceRejectPatterns, p.InvoiceRejectPatterns)
		assert.Contains(t, p.Keywords(), "bill of lading")
	})

	t.Run("partial file keeps default sections", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "patterns.yaml")
		require.NoError(t, os.WriteFile(file, []byte("invoice_reject_patterns:\n  - ^INV_\n"), 0o644))
		p, err := LoadPatterns(file)
		require.NoError(t, err)
		assert.Equal(t, []string{"^INV_"}, p.InvoiceRejectPatterns)
		assert.NotEmpty(t, p.DocumentTypes)

		res, err := p.CompileInvoiceRejects()
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.True(t, res[0].MatchString("INV_0001"))
	})

	t.Run("invalid regex is rejected", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "patterns.yaml")
		require.NoError(t, os.WriteFile(file, []byte("invoice_reject_patterns:\n  - \"([\"\n"), 0o644))
		_, err := LoadPatterns(file)
		assert.Error(t, err)
	})

	t.Run("document types compile in stable order", func(t *testing.T) {
		tps, err := DefaultPatterns().CompileDocumentTypes()
		require.NoError(t, err)
		require.NotEmpty(t, tps)
		assert.Equal(t, "purchase_order", tps[0].DocType)
		assert.Equal(t, "sales_invoice", tps[len(tps)-1].DocType)
	})
}
