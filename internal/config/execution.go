package config

// ExecutionConfig configures the tactile interface.
type ExecutionConfig struct {
	// Cap on simultaneous external processes
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// Default timeout for commands
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// Upper bound on any per-command timeout
	MaxTimeout string `yaml:"max_timeout" json:"max_timeout,omitempty"`

	// Wait on inherited pipes after a kill
	KillGrace string `yaml:"kill_grace" json:"kill_grace,omitempty"`

	// Environment variables to pass
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`

	// Per-stream capture cap, 0 = unlimited
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// Journal persists artifact records so they survive a restart.
	Journal bool `yaml:"journal" json:"journal"`
}

// BlobConfig configures the S3-compatible archive of original uploads.
type BlobConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Endpoint  string `yaml:"endpoint" json:"endpoint,omitempty"`
	Region    string `yaml:"region" json:"region,omitempty"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
	Bucket    string `yaml:"bucket" json:"bucket,omitempty"`
	Prefix    string `yaml:"prefix" json:"prefix,omitempty"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// ServerConfig configures HTTP and watched-directory intake.
type ServerConfig struct {
	Addr            string `yaml:"addr" json:"addr"`
	MaxUploadMB     int64  `yaml:"max_upload_mb" json:"max_upload_mb"`
	ShutdownTimeout string `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Cap on concurrently accepted connections, 0 = unlimited
	MaxConnections int `yaml:"max_connections" json:"max_connections,omitempty"`

	// IntakeDir, when set, is watched for dropped packages.
	IntakeDir string `yaml:"intake_dir" json:"intake_dir,omitempty"`
}
