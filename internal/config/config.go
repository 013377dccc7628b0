package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig
	Log        LogConfig
	Paths      PathsConfig
	Storage    StorageConfig
	Pipeline   PipelineConfig
	Extraction ExtractionConfig
	Redis      RedisConfig
	Reconcile  ReconcileConfig
	Publish    PublishConfig
	Telemetry  TelemetryConfig
}

type AppConfig struct {
	Name string
	Env  string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// PathsConfig locates the input roots and the output areas. Relative entries
// are resolved against Root.
type PathsConfig struct {
	Root          string
	PurchaseOrder string
	DeliveryNote  string
	SalesInvoice  string
	Unsorted      string // optional; files here are classified before extraction
	Quarantine    string
	Output        string
	Archive       string
}

type StorageConfig struct {
	Backend             string // sqlite or firestore
	DBPath              string
	FirestoreProjectID  string
	FirestoreCollection string // prefix for the files/lineItems collections
}

type PipelineConfig struct {
	Interval      time.Duration
	MaxFileSizeMB int64
	MoveAttempts  int
	MoveBackoff   time.Duration
	ArchiveMerged bool
	StaleAfter    time.Duration
	PatternsFile  string
}

type ExtractionConfig struct {
	ProjectID        string
	Region           string
	Model            string
	OCREnabled       bool
	VisionTranscribe bool
	MinInterval      time.Duration
	MaxRetries       int
	CacheBackend     string // disk, redis or none
	CacheDir         string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type ReconcileConfig struct {
	FuzzyMatchEnabled   bool
	SimilarityThreshold float64 // 0 disables the description check
}

type PublishConfig struct {
	Bucket           string
	Prefix           string
	WorkflowID       string
	WorkflowLocation string
}

type TelemetryConfig struct {
	Enabled       bool
	Endpoint      string
	Insecure      bool
	SamplingRatio float64
	ServiceName   string
}

// Load reads configuration from an optional config file and MERGER_ prefixed
// environment variables. Priority: env, file, built-in defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/documentmerger")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MERGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Paths: PathsConfig{
			Root:          v.GetString("paths.root"),
			PurchaseOrder: v.GetString("paths.purchase_order"),
			DeliveryNote:  v.GetString("paths.delivery_note"),
			SalesInvoice:  v.GetString("paths.sales_invoice"),
			Unsorted:      v.GetString("paths.unsorted"),
			Quarantine:    v.GetString("paths.quarantine"),
			Output:        v.GetString("paths.output"),
			Archive:       v.GetString("paths.archive"),
		},
		Storage: StorageConfig{
			Backend:             v.GetString("storage.backend"),
			DBPath:              v.GetString("storage.db_path"),
			FirestoreProjectID:  v.GetString("storage.firestore_project_id"),
			FirestoreCollection: v.GetString("storage.firestore_collection"),
		},
		Pipeline: PipelineConfig{
			Interval:      v.GetDuration("pipeline.interval"),
			MaxFileSizeMB: v.GetInt64("pipeline.max_file_size_mb"),
			MoveAttempts:  v.GetInt("pipeline.move_attempts"),
			MoveBackoff:   v.GetDuration("pipeline.move_backoff"),
			ArchiveMerged: v.GetBool("pipeline.archive_merged"),
			StaleAfter:    v.GetDuration("pipeline.stale_after"),
			PatternsFile:  v.GetString("pipeline.patterns_file"),
		},
		Extraction: ExtractionConfig{
			ProjectID:        v.GetString("extraction.project_id"),
			Region:           v.GetString("extraction.region"),
			Model:            v.GetString("extraction.model"),
			OCREnabled:       v.GetBool("extraction.ocr_enabled"),
			VisionTranscribe: v.GetBool("extraction.vision_transcribe"),
			MinInterval:      v.GetDuration("extraction.min_interval"),
			MaxRetries:       v.GetInt("extraction.max_retries"),
			CacheBackend:     v.GetString("extraction.cache_backend"),
			CacheDir:         v.GetString("extraction.cache_dir"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			TTL:      v.GetDuration("redis.ttl"),
		},
		Reconcile: ReconcileConfig{
			FuzzyMatchEnabled:   v.GetBool("reconcile.fuzzy_match_enabled"),
			SimilarityThreshold: v.GetFloat64("reconcile.similarity_threshold"),
		},
		Publish: PublishConfig{
			Bucket:           v.GetString("publish.bucket"),
			Prefix:           v.GetString("publish.prefix"),
			WorkflowID:       v.GetString("publish.workflow_id"),
			WorkflowLocation: v.GetString("publish.workflow_location"),
		},
		Telemetry: TelemetryConfig{
			Enabled:       v.GetBool("telemetry.enabled"),
			Endpoint:      v.GetString("telemetry.endpoint"),
			Insecure:      v.GetBool("telemetry.insecure"),
			SamplingRatio: v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:   v.GetString("telemetry.service_name"),
		},
	}

	// Booleans that default to true cannot be detected as "unset" after the
	// struct is built.
	if !v.IsSet("pipeline.archive_merged") {
		cfg.Pipeline.ArchiveMerged = true
	}
	if !v.IsSet("extraction.ocr_enabled") {
		cfg.Extraction.OCREnabled = true
	}
	if !v.IsSet("reconcile.fuzzy_match_enabled") {
		cfg.Reconcile.FuzzyMatchEnabled = true
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "documentmerger"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.Paths.Root == "" {
		cfg.Paths.Root = "."
	}
	defaultPath(&cfg.Paths.PurchaseOrder, cfg.Paths.Root, "Purchase_order")
	defaultPath(&cfg.Paths.DeliveryNote, cfg.Paths.Root, "Delivery_note")
	defaultPath(&cfg.Paths.SalesInvoice, cfg.Paths.Root, "Sales_invoice")
	defaultPath(&cfg.Paths.Quarantine, cfg.Paths.Root, "quarantine")
	defaultPath(&cfg.Paths.Output, cfg.Paths.Root, "Merged_PDFs")
	defaultPath(&cfg.Paths.Archive, cfg.Paths.Root, "archive")
	if cfg.Paths.Unsorted != "" && !filepath.IsAbs(cfg.Paths.Unsorted) {
		cfg.Paths.Unsorted = filepath.Join(cfg.Paths.Root, cfg.Paths.Unsorted)
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "merger_state.db"
	}
	if cfg.Storage.FirestoreCollection == "" {
		cfg.Storage.FirestoreCollection = "merger"
	}

	if cfg.Pipeline.Interval == 0 {
		cfg.Pipeline.Interval = 5 * time.Second
	}
	if cfg.Pipeline.MaxFileSizeMB == 0 {
		cfg.Pipeline.MaxFileSizeMB = 50
	}
	if cfg.Pipeline.MoveAttempts == 0 {
		cfg.Pipeline.MoveAttempts = 5
	}
	if cfg.Pipeline.MoveBackoff == 0 {
		cfg.Pipeline.MoveBackoff = time.Second
	}
	if cfg.Pipeline.PatternsFile == "" {
		cfg.Pipeline.PatternsFile = "patterns.yaml"
	}

	if cfg.Extraction.Region == "" {
		cfg.Extraction.Region = "us-central1"
	}
	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = "gemini-1.5-pro"
	}
	if cfg.Extraction.MinInterval == 0 {
		cfg.Extraction.MinInterval = 2 * time.Second
	}
	if cfg.Extraction.MaxRetries == 0 {
		cfg.Extraction.MaxRetries = 3
	}
	if cfg.Extraction.CacheBackend == "" {
		cfg.Extraction.CacheBackend = "disk"
	}
	if cfg.Extraction.CacheDir == "" {
		cfg.Extraction.CacheDir = "extraction_cache"
	}

	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 30 * 24 * time.Hour
	}

	if cfg.Publish.Prefix == "" {
		cfg.Publish.Prefix = "merged"
	}
	if cfg.Publish.WorkflowLocation == "" {
		cfg.Publish.WorkflowLocation = cfg.Extraction.Region
	}

	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Storage.FirestoreProjectID == "" {
		cfg.Storage.FirestoreProjectID = cfg.Extraction.ProjectID
	}
}

func defaultPath(field *string, root, name string) {
	if *field == "" {
		*field = filepath.Join(root, name)
		return
	}
	if !filepath.IsAbs(*field) {
		*field = filepath.Join(root, *field)
	}
}

// RequireModel checks the settings needed to reach Vertex AI. Only commands
// that extract or fuzzy-match call it; status and audit work offline.
func (c *Config) RequireModel() error {
	if c.Extraction.ProjectID == "" {
		return fmt.Errorf("extraction.project_id (MERGER_EXTRACTION_PROJECT_ID) must be set")
	}
	if c.Extraction.Region == "" {
		return fmt.Errorf("extraction.region must be set")
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite", "firestore":
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}
	switch c.Extraction.CacheBackend {
	case "disk", "redis", "none":
	default:
		return fmt.Errorf("unsupported extraction.cache_backend %q", c.Extraction.CacheBackend)
	}
	if c.Extraction.CacheBackend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when extraction.cache_backend is redis")
	}
	if c.Pipeline.MoveAttempts < 1 {
		return fmt.Errorf("pipeline.move_attempts must be at least 1")
	}
	if c.Reconcile.SimilarityThreshold < 0 || c.Reconcile.SimilarityThreshold >= 1 {
		return fmt.Errorf("reconcile.similarity_threshold must be in [0, 1)")
	}
	if c.Publish.WorkflowID != "" && c.Publish.Bucket == "" {
		return fmt.Errorf("publish.workflow_id requires publish.bucket")
	}
	return nil
}

// MaxFileSize returns the size ceiling in bytes.
func (c *Config) MaxFileSize() int64 {
	return c.Pipeline.MaxFileSizeMB * 1024 * 1024
}
