package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// PipelineConfig holds the numeric knobs of the preprocessing stages.
type PipelineConfig struct {
	TargetDPI        float64
	MinDPI           float64
	MaxDPI           float64
	TargetLongSidePx int

	UpscaleFactor         float64
	MaxPixels             int
	RotationSnapDeg       float64
	RotationMinConfidence float64

	MaxSplitPages    int
	SplitGapInkRatio float64

	Bands           int
	OverlapFraction float64

	PageConcurrency int
	TileConcurrency int
	WorkDir         string
	MergeEnabled    bool
}

// AssessorConfig selects the judgment provider used for quality assessment.
type AssessorConfig struct {
	Enabled     bool
	Provider    string // "gemini"|"openai"|"anthropic"
	Model       string
	Timeout     time.Duration
	PreviewPx   int
	Temperature float64
	MaxTokens   int
}

// EnhancerConfig points at the super-resolution model service.
type EnhancerConfig struct {
	URL           string
	Model         string
	Timeout       time.Duration
	LocalFallback bool
	LocalFactor   float64
}

type GeminiConfig struct {
	APIKey   string
	BaseURL  string
	OCRModel string
	Timeout  time.Duration
}

type DocumentAIConfig struct {
	Endpoint    string
	ProjectID   string
	Location    string
	ProcessorID string
	AccessToken string
	Timeout     time.Duration
}

type TesseractConfig struct {
	Languages []string
}

type KeyConfig struct {
	APIKey  string
	BaseURL string
}

// BackendsConfig defines which OCR backends run and how remote calls are bounded.
type BackendsConfig struct {
	Enabled      []string // document_ai, gemini, tesseract
	Gemini       GeminiConfig
	DocumentAI   DocumentAIConfig
	Tesseract    TesseractConfig
	OpenAI       KeyConfig
	Anthropic    KeyConfig
	MaxRetries   int
	RetryBase    time.Duration
	MaxInflight  int
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// MergerConfig drives the reconciliation of the two OCR outputs.
type MergerConfig struct {
	Provider  string
	Model     string
	Timeout   time.Duration
	OutputDir string
	Extension string
}

// ContractConfig drives extraction of the structured contract record.
type ContractConfig struct {
	Enabled   bool
	Provider  string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

type StorageConfig struct {
	S3Bucket string
	Password string
}

type ServerConfig struct {
	Port        string
	UploadDir   string
	MaxUploadMB int
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Run         bool
	Concurrency int
	JobTimeout  time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig
	Axiom    AxiomConfig
	Pipeline PipelineConfig
	Assessor AssessorConfig
	Enhancer EnhancerConfig
	Backends BackendsConfig
	Merger   MergerConfig
	Contract ContractConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Server   ServerConfig
	Worker   WorkerConfig

	PromptsFile string
	Prompts     Prompts
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/contractocr.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_contractocr",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Pipeline = PipelineConfig{
		TargetDPI:             parseFloat(getEnv("TARGET_DPI", "300"), 300),
		MinDPI:                parseFloat(getEnv("MIN_DPI", "150"), 150),
		MaxDPI:                parseFloat(getEnv("MAX_DPI", "400"), 400),
		TargetLongSidePx:      parseInt(getEnv("TARGET_LONG_SIDE_PX", "3508"), 3508),
		UpscaleFactor:         parseFloat(getEnv("UPSCALE_FACTOR", "2.0"), 2.0),
		MaxPixels:             parseInt(getEnv("MAX_PIXELS", "40000000"), 40_000_000),
		RotationSnapDeg:       parseFloat(getEnv("ROTATION_SNAP_DEG", "10"), 10),
		RotationMinConfidence: parseFloat(getEnv("ROTATION_MIN_CONFIDENCE", "0.5"), 0.5),
		MaxSplitPages:         parseInt(getEnv("MAX_SPLIT_PAGES", "4"), 4),
		SplitGapInkRatio:      parseFloat(getEnv("SPLIT_GAP_INK_RATIO", "0.003"), 0.003),
		Bands:                 parseInt(getEnv("TILE_BANDS", "5"), 5),
		OverlapFraction:       parseFloat(getEnv("TILE_OVERLAP_FRACTION", "0.1"), 0.1),
		PageConcurrency:       parseInt(getEnv("PAGE_CONCURRENCY", "2"), 2),
		TileConcurrency:       parseInt(getEnv("TILE_CONCURRENCY", "4"), 4),
		WorkDir:               getEnv("WORK_DIR", "uploads/work"),
		MergeEnabled:          parseBool(getEnv("MERGE_ENABLED", "true")),
	}

	cfg.Assessor = AssessorConfig{
		Enabled:     parseBool(getEnv("ASSESSOR_ENABLED", "true")),
		Provider:    getEnv("ASSESSOR_PROVIDER", "gemini"),
		Model:       getEnv("ASSESSOR_MODEL", "gemini-2.0-flash-lite"),
		Timeout:     parseDuration(getEnv("ASSESSOR_TIMEOUT", "30s"), 30*time.Second),
		PreviewPx:   parseInt(getEnv("ASSESSOR_PREVIEW_PX", "1600"), 1600),
		Temperature: parseFloat(getEnv("ASSESSOR_TEMPERATURE", "0.1"), 0.1),
		MaxTokens:   parseInt(getEnv("ASSESSOR_MAX_OUTPUT_TOKENS", "8192"), 8192),
	}

	cfg.Enhancer = EnhancerConfig{
		URL:           getEnv("ENHANCER_URL", ""),
		Model:         getEnv("ENHANCER_MODEL", "DRCT-L"),
		Timeout:       parseDuration(getEnv("ENHANCER_TIMEOUT", "60s"), 60*time.Second),
		LocalFallback: parseBool(getEnv("ENHANCER_LOCAL_FALLBACK", "true")),
		LocalFactor:   parseFloat(getEnv("ENHANCER_LOCAL_FACTOR", "2.0"), 2.0),
	}

	cfg.Backends = BackendsConfig{
		Enabled: parseList(getEnv("OCR_BACKENDS", "document_ai,gemini")),
		Gemini: GeminiConfig{
			APIKey:   getEnv("GEMINI_API_KEY", ""),
			BaseURL:  getEnv("GEMINI_BASE_URL", ""),
			OCRModel: getEnv("GEMINI_OCR_MODEL", "gemini-2.5-flash"),
			Timeout:  parseDuration(getEnv("GEMINI_TIMEOUT", "90s"), 90*time.Second),
		},
		DocumentAI: DocumentAIConfig{
			Endpoint:    getEnv("DOCUMENT_AI_ENDPOINT", ""),
			ProjectID:   getEnv("GCP_PROJECT_ID", ""),
			Location:    getEnv("DOCUMENT_AI_LOCATION", "us"),
			ProcessorID: getEnv("DOCUMENT_AI_PROCESSOR_ID", ""),
			AccessToken: getEnv("DOCUMENT_AI_ACCESS_TOKEN", ""),
			Timeout:     parseDuration(getEnv("DOCUMENT_AI_TIMEOUT", "60s"), 60*time.Second),
		},
		Tesseract: TesseractConfig{
			Languages: parseList(getEnv("TESSERACT_LANGUAGES", "jpn,eng")),
		},
		OpenAI:       KeyConfig{APIKey: getEnv("OPENAI_API_KEY", ""), BaseURL: getEnv("OPENAI_BASE_URL", "")},
		Anthropic:    KeyConfig{APIKey: getEnv("ANTHROPIC_API_KEY", ""), BaseURL: getEnv("ANTHROPIC_BASE_URL", "")},
		MaxRetries:   parseInt(getEnv("AI_MAX_RETRIES", "3"), 3),
		RetryBase:    parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
		MaxInflight:  parseInt(getEnv("MAX_INFLIGHT_PER_BACKEND", "4"), 4),
		CooldownBase: parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		CooldownMax:  parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
	}

	cfg.Merger = MergerConfig{
		Provider:  getEnv("MERGE_PROVIDER", "gemini"),
		Model:     getEnv("MERGE_MODEL", "gemini-2.5-flash"),
		Timeout:   parseDuration(getEnv("MERGE_TIMEOUT", "120s"), 120*time.Second),
		OutputDir: getEnv("MERGE_OUTPUT_DIR", ""),
		Extension: getEnv("MERGE_INPUT_EXT", ".txt"),
	}

	cfg.Contract = ContractConfig{
		Enabled:   parseBool(getEnv("CONTRACT_ENABLED", "true")),
		Provider:  getEnv("CONTRACT_PROVIDER", "gemini"),
		Model:     getEnv("CONTRACT_MODEL", "gemini-2.5-pro"),
		Timeout:   parseDuration(getEnv("CONTRACT_TIMEOUT", "5m"), 5*time.Minute),
		MaxTokens: parseInt(getEnv("CONTRACT_MAX_TOKENS", "65536"), 65536),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:ocr:documents"),
		Group:        getEnv("QUEUE_GROUP", "workers:pipeline"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "2s"), 2*time.Second),
	}

	cfg.Storage = StorageConfig{
		S3Bucket: getEnv("S3_BUCKET", ""),
		Password: getEnv("S3_OBJECT_PASSWORD", ""),
	}

	cfg.Server = ServerConfig{
		Port:        getEnv("PORT", "8080"),
		UploadDir:   getEnv("UPLOAD_DIR", "uploads/incoming"),
		MaxUploadMB: parseInt(getEnv("MAX_UPLOAD_MB", "100"), 100),
	}

	cfg.Worker = WorkerConfig{
		Run:         parseBool(getEnv("RUN_WORKER", "true")),
		Concurrency: parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
		JobTimeout:  parseDuration(getEnv("JOB_TIMEOUT", "30m"), 30*time.Minute),
		MaxAttempts: parseInt(getEnv("WORKER_MAX_ATTEMPTS", "3"), 3),
		RetryDelay:  parseDuration(getEnv("WORKER_RETRY_DELAY", "1m"), time.Minute),
	}

	cfg.PromptsFile = getEnv("PROMPTS_FILE", "")
	cfg.Prompts = DefaultPrompts()
	return cfg
}

// HasBackend reports whether name is in the enabled OCR backend list.
func (c Config) HasBackend(name string) bool {
	for _, b := range c.Backends.Enabled {
		if b == name {
			return true
		}
	}
	return false
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if p.Bands != 5 {
		errs = append(errs, fmt.Errorf("TILE_BANDS must be 5, got %d", p.Bands))
	}
	if p.OverlapFraction < 0 || p.OverlapFraction >= 0.5 {
		errs = append(errs, fmt.Errorf("TILE_OVERLAP_FRACTION must be in [0, 0.5), got %g", p.OverlapFraction))
	}
	if p.MinDPI <= 0 || p.MaxDPI < p.MinDPI {
		errs = append(errs, fmt.Errorf("DPI bounds invalid: min=%g max=%g", p.MinDPI, p.MaxDPI))
	}
	if p.TargetLongSidePx == 0 && (p.TargetDPI < p.MinDPI || p.TargetDPI > p.MaxDPI) {
		errs = append(errs, fmt.Errorf("TARGET_DPI %g outside [%g, %g]", p.TargetDPI, p.MinDPI, p.MaxDPI))
	}
	if p.MaxPixels <= 0 {
		errs = append(errs, errors.New("MAX_PIXELS must be positive"))
	}
	if p.UpscaleFactor < 1 {
		errs = append(errs, fmt.Errorf("UPSCALE_FACTOR must be >= 1, got %g", p.UpscaleFactor))
	}
	if p.MaxSplitPages < 2 {
		errs = append(errs, fmt.Errorf("MAX_SPLIT_PAGES must be >= 2, got %d", p.MaxSplitPages))
	}
	if len(c.Backends.Enabled) == 0 {
		errs = append(errs, errors.New("OCR_BACKENDS lists no backend"))
	}
	for _, b := range c.Backends.Enabled {
		switch b {
		case "document_ai", "gemini", "tesseract":
		default:
			errs = append(errs, fmt.Errorf("unknown OCR backend %q", b))
		}
	}
	if p.MergeEnabled && !(c.HasBackend("document_ai") && c.HasBackend("gemini")) {
		errs = append(errs, errors.New("MERGE_ENABLED requires both document_ai and gemini backends"))
	}
	if c.Contract.Enabled {
		switch c.Contract.Provider {
		case "gemini", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("unknown CONTRACT_PROVIDER %q", c.Contract.Provider))
		}
	}
	return errors.Join(errs...)
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.ToLower(strings.TrimSpace(part)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
