package config

// DecompilerConfig configures the external decompiler.
//
// Args placeholders: {input} (upload path), {output} (artifact output dir),
// {token} (logical name without package suffix).
type DecompilerConfig struct {
	Binary           string   `yaml:"binary" json:"binary"`
	Args             []string `yaml:"args" json:"args"`
	Timeout          string   `yaml:"timeout" json:"timeout"`
	WorkingDirectory string   `yaml:"working_directory" json:"working_directory,omitempty"`

	// CacheDir is where the decompiler leaves intermediate output that is
	// mirrored into the artifact's output dir. Empty disables reconciliation.
	CacheDir string `yaml:"cache_dir" json:"cache_dir,omitempty"`
}

// RebuildConfig configures the external rebuild tool.
//
// Args placeholders: {path} (modified source file), {dir} (its directory).
type RebuildConfig struct {
	Binary           string   `yaml:"binary" json:"binary"`
	Args             []string `yaml:"args" json:"args"`
	Timeout          string   `yaml:"timeout" json:"timeout"`
	WorkingDirectory string   `yaml:"working_directory" json:"working_directory,omitempty"`
}

// LocatorConfig bounds the source search in a decompiled tree.
type LocatorConfig struct {
	SuffixPattern  string   `yaml:"suffix_pattern" json:"suffix_pattern"`
	SourcesSubpath string   `yaml:"sources_subpath" json:"sources_subpath"`
	Extensions     []string `yaml:"extensions" json:"extensions"`
	MaxDepth       int      `yaml:"max_depth" json:"max_depth"`
	MaxEntries     int      `yaml:"max_entries" json:"max_entries"`
	CacheSize      int      `yaml:"cache_size" json:"cache_size"`
}

// Idempotence modes for repeated feature injection.
const (
	IdempotenceDuplicate = "duplicate"
	IdempotenceSkip      = "skip"
	IdempotenceReject    = "reject"
)

// ValidIdempotenceModes lists the accepted features.idempotence values.
var ValidIdempotenceModes = []string{IdempotenceDuplicate, IdempotenceSkip, IdempotenceReject}

// IsValidIdempotence reports whether mode is accepted.
func IsValidIdempotence(mode string) bool {
	for _, m := range ValidIdempotenceModes {
		if m == mode {
			return true
		}
	}
	return false
}

// FeaturesConfig configures the feature catalog.
type FeaturesConfig struct {
	// CatalogPath is an optional YAML file of extra templates.
	CatalogPath string `yaml:"catalog_path" json:"catalog_path,omitempty"`
	Idempotence string `yaml:"idempotence" json:"idempotence"`
}
