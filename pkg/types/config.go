package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "ukb-pipeline/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// FetchConfig holds settings for the publication fetch stage.
type FetchConfig struct {
	HTTPConfig `yaml:",inline"`

	// SourceURL is the Schema 19 download endpoint. Defaults to the
	// UK Biobank Showcase scdown.cgi endpoint.
	SourceURL string `json:"source_url" yaml:"source_url"`

	// Format selects the download format: tsv or xml (default tsv).
	Format RawFormat `json:"format" yaml:"format"`

	// Query is an optional free-text filter forwarded to the source.
	Query string `json:"query,omitempty" yaml:"query,omitempty"`

	// DateFrom and DateTo bound the publication date range forwarded to
	// the source. Zero values mean unbounded.
	DateFrom time.Time `json:"date_from,omitempty" yaml:"date_from,omitempty"`
	DateTo   time.Time `json:"date_to,omitempty" yaml:"date_to,omitempty"`

	// MaxRetries is the attempt budget for transient failures (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RateLimit is the maximum number of source requests per second
	// (default 2).
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
}

// ClassifyConfig holds settings for the field classification stage.
type ClassifyConfig struct {
	HTTPConfig `yaml:",inline"`

	// Backend selects the classifier: "taxonomy" (built-in keyword
	// matching) or "remote" (HTTP classification service).
	Backend string `json:"backend" yaml:"backend"`

	// TaxonomyPath is an optional YAML file overriding the built-in
	// label taxonomy.
	TaxonomyPath string `json:"taxonomy_path,omitempty" yaml:"taxonomy_path,omitempty"`

	// Endpoint is the remote classification service URL.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// APIKey authenticates against the remote service. Usually supplied
	// via .secrets/classifier-api-key rather than the config file.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// MaxRetries is the attempt budget for classification calls (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// StoreConfig holds settings for the record store.
type StoreConfig struct {
	// DataDir is the base directory for pipeline state (contains store/
	// and output/).
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// PipelineConfig holds settings for the run orchestrator.
type PipelineConfig struct {
	// FailureThreshold is the per-run failure-rate ceiling in [0,1]
	// (default 0.5). When the fraction of failed records exceeds it, the
	// run aborts.
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// Workers bounds concurrent classification calls (default 4).
	Workers int `json:"workers" yaml:"workers"`

	// Force re-fetches and re-classifies records that are already
	// classified.
	Force bool `json:"force" yaml:"force"`
}

// Config groups all stage configurations.
type Config struct {
	Fetch    FetchConfig    `json:"fetch" yaml:"fetch"`
	Classify ClassifyConfig `json:"classify" yaml:"classify"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
}
