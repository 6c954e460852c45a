// Package config holds the startup configuration of the orchestration core.
//
// Configuration is read once at startup; runtime changes require a restart.
package config

import (
	"fmt"
	"time"
)

// DataBackend selects the repository storage backend.
type DataBackend string

const (
	DataBackendFile     DataBackend = "file"
	DataBackendDocument DataBackend = "document"
)

// VectorBackend selects the per-character vector index implementation.
type VectorBackend string

const (
	VectorBackendFlat    VectorBackend = "flat"
	VectorBackendChromem VectorBackend = "chromem"
)

// Config is the root configuration tree.
type Config struct {
	// DataBackend selects "file" (JSON/JSONL under DataDir) or "document"
	// (MongoDB at MongoURI).
	DataBackend DataBackend `yaml:"data_backend,omitempty" koanf:"data_backend"`

	// DataDir is the root directory for the file backend and local blobs.
	DataDir string `yaml:"data_dir,omitempty" koanf:"data_dir"`

	// MongoURI is required when DataBackend is "document".
	MongoURI string `yaml:"mongodb_uri,omitempty" koanf:"mongodb_uri"`

	// MongoDatabase is the database name for the document backend.
	MongoDatabase string `yaml:"mongodb_database,omitempty" koanf:"mongodb_database"`

	// VectorBackend selects "flat" (JSON-persisted flat index under
	// DataDir) or "chromem" (embedded chromem database).
	VectorBackend VectorBackend `yaml:"vector_backend,omitempty" koanf:"vector_backend"`

	// S3 configures the optional S3 blob backend. When Bucket is empty,
	// blobs are stored on local disk under DataDir.
	S3 S3Config `yaml:"s3,omitempty" koanf:"s3"`

	// EncryptionPepper is the process-wide pepper mixed into per-user
	// credential keys. Required; the core refuses to start without it
	// unless AuthDisabled is set.
	EncryptionPepper string `yaml:"encryption_master_pepper,omitempty" koanf:"encryption_master_pepper"`

	// AuthDisabled maps every request to the anonymous user.
	AuthDisabled bool `yaml:"auth_disabled,omitempty" koanf:"auth_disabled"`

	// Logging configures slog.
	Logging LoggingConfig `yaml:"logging,omitempty" koanf:"logging"`

	// Timeouts for external calls.
	Timeouts TimeoutConfig `yaml:"timeouts,omitempty" koanf:"timeouts"`

	// Orchestrator tunables.
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty" koanf:"orchestrator"`
}

// S3Config locates the blob bucket. The S3 client itself is constructed by
// the embedding process and injected; the core only needs addressing info.
type S3Config struct {
	Endpoint string `yaml:"endpoint,omitempty" koanf:"endpoint"`
	Region   string `yaml:"region,omitempty" koanf:"region"`
	Bucket   string `yaml:"bucket,omitempty" koanf:"bucket"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" koanf:"level"`
	Format string `yaml:"format,omitempty" koanf:"format"`
}

// TimeoutConfig carries default deadlines for external calls. All values are
// overridable per connection profile via its parameters bag.
type TimeoutConfig struct {
	ProviderChat     time.Duration `yaml:"provider_chat,omitempty" koanf:"provider_chat"`
	ProviderProgress time.Duration `yaml:"provider_progress,omitempty" koanf:"provider_progress"`
	Embedding        time.Duration `yaml:"embedding,omitempty" koanf:"embedding"`
	Tool             time.Duration `yaml:"tool,omitempty" koanf:"tool"`
}

// OrchestratorConfig carries turn state machine tunables.
type OrchestratorConfig struct {
	// MaxToolLoops bounds tool-resume iterations within one turn.
	MaxToolLoops int `yaml:"max_tool_loops,omitempty" koanf:"max_tool_loops"`

	// ReservedResponseTokens is withheld from the context budget for the
	// model's reply.
	ReservedResponseTokens int `yaml:"reserved_response_tokens,omitempty" koanf:"reserved_response_tokens"`

	// ContextLimit is the default context window when a connection profile
	// does not declare one.
	ContextLimit int `yaml:"context_limit,omitempty" koanf:"context_limit"`

	// MemoryTopK is the default number of memories retrieved per turn.
	MemoryTopK int `yaml:"memory_top_k,omitempty" koanf:"memory_top_k"`

	// SummarizeDropThreshold triggers context summarization when assembly
	// would drop more than this many messages.
	SummarizeDropThreshold int `yaml:"summarize_drop_threshold,omitempty" koanf:"summarize_drop_threshold"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.DataBackend == "" {
		c.DataBackend = DataBackendFile
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "reverie"
	}
	if c.VectorBackend == "" {
		c.VectorBackend = VectorBackendFlat
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Timeouts.ProviderChat == 0 {
		c.Timeouts.ProviderChat = 120 * time.Second
	}
	if c.Timeouts.ProviderProgress == 0 {
		c.Timeouts.ProviderProgress = 30 * time.Second
	}
	if c.Timeouts.Embedding == 0 {
		c.Timeouts.Embedding = 30 * time.Second
	}
	if c.Timeouts.Tool == 0 {
		c.Timeouts.Tool = 60 * time.Second
	}
	if c.Orchestrator.MaxToolLoops == 0 {
		c.Orchestrator.MaxToolLoops = 5
	}
	if c.Orchestrator.ReservedResponseTokens == 0 {
		c.Orchestrator.ReservedResponseTokens = 1000
	}
	if c.Orchestrator.ContextLimit == 0 {
		c.Orchestrator.ContextLimit = 8192
	}
	if c.Orchestrator.MemoryTopK == 0 {
		c.Orchestrator.MemoryTopK = 5
	}
	if c.Orchestrator.SummarizeDropThreshold == 0 {
		c.Orchestrator.SummarizeDropThreshold = 20
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DataBackend {
	case DataBackendFile, DataBackendDocument:
	default:
		return fmt.Errorf("invalid data_backend %q (want file or document)", c.DataBackend)
	}

	switch c.VectorBackend {
	case VectorBackendFlat, VectorBackendChromem:
	default:
		return fmt.Errorf("invalid vector_backend %q (want flat or chromem)", c.VectorBackend)
	}

	if c.DataBackend == DataBackendDocument && c.MongoURI == "" {
		return fmt.Errorf("mongodb_uri is required when data_backend is document")
	}

	if c.EncryptionPepper == "" && !c.AuthDisabled {
		return fmt.Errorf("encryption_master_pepper is required unless auth is disabled")
	}

	if c.Orchestrator.MaxToolLoops < 1 {
		return fmt.Errorf("orchestrator.max_tool_loops must be at least 1")
	}

	return nil
}
