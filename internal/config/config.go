package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all apkforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Where uploads and decompiled trees live
	Workspace WorkspaceConfig `yaml:"workspace"`

	// External tools
	Decompiler DecompilerConfig `yaml:"decompiler"`
	Rebuild    RebuildConfig    `yaml:"rebuild"`

	// Source resolution and injection
	Locator  LocatorConfig  `yaml:"locator"`
	Features FeaturesConfig `yaml:"features"`

	// Process execution limits
	Execution ExecutionConfig `yaml:"execution"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`
	Blob    BlobConfig    `yaml:"blob"`

	// HTTP and watched-directory intake
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// WorkspaceConfig locates the pipeline's on-disk areas.
type WorkspaceConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
	OutputsDir string `yaml:"outputs_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "apkforge",
		Version: "0.3.0",

		Workspace: WorkspaceConfig{
			UploadsDir: "data/uploads",
			OutputsDir: "data/outputs",
		},

		Decompiler: DecompilerConfig{
			Binary:   "jadx",
			Args:     []string{"-d", "{output}", "{input}"},
			Timeout:  "10m",
			CacheDir: "~/.cache/jadx",
		},

		Rebuild: RebuildConfig{
			Binary:  "gradle",
			Args:    []string{"--no-daemon", "-p", "{dir}", "assembleDebug"},
			Timeout: "20m",
		},

		Locator: LocatorConfig{
			SuffixPattern:  `(?i)(\.(apk|apks|aab|xapk))+$`,
			SourcesSubpath: "app/src/main/java",
			Extensions:     []string{".java", ".kt"},
			MaxDepth:       32,
			MaxEntries:     50000,
			CacheSize:      256,
		},

		Features: FeaturesConfig{
			Idempotence: IdempotenceDuplicate,
		},

		Execution: ExecutionConfig{
			MaxConcurrent:  4,
			DefaultTimeout: "10m",
			MaxTimeout:     "1h",
			KillGrace:      "2s",
			AllowedEnvVars: []string{
				"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR",
				"JAVA_HOME", "ANDROID_HOME", "ANDROID_SDK_ROOT", "GRADLE_USER_HOME",
			},
		},

		Storage: StorageConfig{
			DatabasePath: "data/apkforge.db",
			Journal:      true,
		},

		Blob: BlobConfig{
			Enabled: false,
			Region:  "us-east-1",
			Bucket:  "apkforge-uploads",
			Prefix:  "uploads/",
			UseSSL:  true,
		},

		Server: ServerConfig{
			Addr:            ":5000",
			MaxUploadMB:     512,
			ShutdownTimeout: "15s",
			MaxConnections:  256,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. A .env file next to the config, or in the working directory, is
// loaded first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		if dir := filepath.Dir(configPath); dir != "." {
			candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
		}
	}
	for _, p := range candidates {
		// godotenv never overrides variables that are already set.
		_ = godotenv.Load(p)
	}
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Server port, as PORT=5000 or PORT=:5000
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		c.Server.Addr = port
	}
	if dir := os.Getenv("APKFORGE_INTAKE_DIR"); dir != "" {
		c.Server.IntakeDir = dir
	}

	// Tool locations
	if bin := os.Getenv("APKFORGE_DECOMPILER"); bin != "" {
		c.Decompiler.Binary = bin
	}
	if dir := os.Getenv("APKFORGE_DECOMPILER_CACHE"); dir != "" {
		c.Decompiler.CacheDir = dir
	}
	if bin := os.Getenv("APKFORGE_REBUILD"); bin != "" {
		c.Rebuild.Binary = bin
	}

	if raw := os.Getenv("APKFORGE_MAX_CONCURRENT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.Execution.MaxConcurrent = n
		}
	}

	// Database path from environment
	if path := os.Getenv("APKFORGE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}

	// S3-compatible upload archive
	if endpoint := strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT")); endpoint != "" {
		c.Blob.Endpoint = endpoint
		c.Blob.Enabled = true
	}
	if region := os.Getenv("ARTIFACT_S3_REGION"); region != "" {
		c.Blob.Region = region
	}
	if bucket := os.Getenv("ARTIFACT_S3_BUCKET"); bucket != "" {
		c.Blob.Bucket = bucket
	}
	c.Blob.AccessKey = firstNonEmpty(os.Getenv("ARTIFACT_S3_ACCESS_KEY"), os.Getenv("MINIO_ROOT_USER"), c.Blob.AccessKey)
	c.Blob.SecretKey = firstNonEmpty(os.Getenv("ARTIFACT_S3_SECRET_KEY"), os.Getenv("MINIO_ROOT_PASSWORD"), c.Blob.SecretKey)
	if raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			c.Blob.UseSSL = v
		}
	}

	if level := os.Getenv("APKFORGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// ExpandPath resolves a leading "~" to the user's home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetDecompileTimeout returns the decompiler timeout as a duration.
func (c *Config) GetDecompileTimeout() time.Duration {
	return parseDuration(c.Decompiler.Timeout, 10*time.Minute)
}

// GetRebuildTimeout returns the rebuild timeout as a duration.
func (c *Config) GetRebuildTimeout() time.Duration {
	return parseDuration(c.Rebuild.Timeout, 20*time.Minute)
}

// GetExecutionTimeout returns the default execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Execution.DefaultTimeout, 10*time.Minute)
}

// GetMaxTimeout returns the timeout cap as a duration.
func (c *Config) GetMaxTimeout() time.Duration {
	return parseDuration(c.Execution.MaxTimeout, time.Hour)
}

// GetKillGrace returns how long to wait on pipes after a kill.
func (c *Config) GetKillGrace() time.Duration {
	return parseDuration(c.Execution.KillGrace, 2*time.Second)
}

// GetShutdownTimeout returns the HTTP drain timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 15*time.Second)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workspace.UploadsDir == "" || c.Workspace.OutputsDir == "" {
		return fmt.Errorf("workspace uploads_dir and outputs_dir are required")
	}

	if strings.TrimSpace(c.Decompiler.Binary) == "" {
		return fmt.Errorf("decompiler binary not configured")
	}
	if !hasPlaceholder(c.Decompiler.Args, "{input}") || !hasPlaceholder(c.Decompiler.Args, "{output}") {
		return fmt.Errorf("decompiler args must reference {input} and {output}")
	}
	if strings.TrimSpace(c.Rebuild.Binary) == "" {
		return fmt.Errorf("rebuild binary not configured")
	}

	for name, raw := range map[string]string{
		"decompiler.timeout":        c.Decompiler.Timeout,
		"rebuild.timeout":           c.Rebuild.Timeout,
		"execution.default_timeout": c.Execution.DefaultTimeout,
		"execution.max_timeout":     c.Execution.MaxTimeout,
		"execution.kill_grace":      c.Execution.KillGrace,
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
	}

	if _, err := regexp.Compile(c.Locator.SuffixPattern); err != nil {
		return fmt.Errorf("invalid locator suffix_pattern: %w", err)
	}
	if len(c.Locator.Extensions) == 0 {
		return fmt.Errorf("locator extensions must not be empty")
	}
	if c.Locator.MaxDepth < 1 || c.Locator.MaxEntries < 1 {
		return fmt.Errorf("locator max_depth and max_entries must be >= 1")
	}

	if !IsValidIdempotence(c.Features.Idempotence) {
		return fmt.Errorf("invalid features idempotence: %s (valid: %v)", c.Features.Idempotence, ValidIdempotenceModes)
	}

	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution max_concurrent must be >= 1")
	}

	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server max_connections must be >= 0")
	}

	if c.Blob.Enabled && (c.Blob.Endpoint == "" || c.Blob.Bucket == "") {
		return fmt.Errorf("blob storage enabled but endpoint or bucket missing")
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s (valid: json, console)", c.Logging.Format)
	}

	return nil
}

func hasPlaceholder(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}
