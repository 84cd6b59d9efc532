// Package config resolves the service configuration.
//
// Resolution priority: the INGEST_CONFIG environment variable holding the
// whole document as JSON, then a file named by INGEST_CONFIG_FILE (YAML or
// JSON), then compiled defaults. The first source that is present wins
// wholesale, with defaults filling the gaps.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	// EnvConfig holds the full configuration document as JSON.
	EnvConfig = "INGEST_CONFIG"
	// EnvConfigFile names a YAML or JSON configuration file.
	EnvConfigFile = "INGEST_CONFIG_FILE"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	GCP       GCPConfig       `yaml:"gcpConfig" json:"gcpConfig"`
	BigQuery  BigQueryConfig  `yaml:"bigQuery" json:"bigQuery"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	DICOMWeb  DICOMWebConfig  `yaml:"dicomWeb" json:"dicomWeb"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Debug     bool            `yaml:"debug" json:"debug"`
}

type ServerConfig struct {
	Port      int    `yaml:"port" json:"port"`
	StaticDir string `yaml:"staticDir" json:"staticDir"`
}

type GCPConfig struct {
	ProjectID string `yaml:"projectId" json:"projectId"`
	Location  string `yaml:"location" json:"location"`
}

type BigQueryConfig struct {
	DatasetID         string `yaml:"datasetId" json:"datasetId"`
	InstancesTableID  string `yaml:"instancesTableId" json:"instancesTableId"`
	DeadLetterTableID string `yaml:"deadLetterTableId" json:"deadLetterTableId"`
}

type EmbeddingConfig struct {
	Input EmbeddingInputConfig `yaml:"input" json:"input"`
	// RequireCompatible gates text length enforcement: when set, extracted
	// text longer than SummarizeText.MaxLength must be summarized before it
	// may be embedded.
	RequireCompatible bool `yaml:"requireEmbeddingCompatible" json:"requireEmbeddingCompatible"`
	// Require propagates embedding failures instead of persisting a
	// vectorless row.
	Require bool `yaml:"require" json:"require"`
}

type EmbeddingInputConfig struct {
	GCSBucketPath string              `yaml:"gcsBucketPath" json:"gcsBucketPath"`
	Vector        VectorConfig        `yaml:"vector" json:"vector"`
	SummarizeText SummarizeTextConfig `yaml:"summarizeText" json:"summarizeText"`
}

type VectorConfig struct {
	Model string `yaml:"model" json:"model"`
}

type SummarizeTextConfig struct {
	Model     string `yaml:"model" json:"model"`
	MaxLength int    `yaml:"maxLength" json:"maxLength"`
}

type RetryConfig struct {
	MaxRetries           int `yaml:"maxRetries" json:"maxRetries"`
	BaseDelayMs          int `yaml:"baseDelayMs" json:"baseDelayMs"`
	SummarizeMaxRetries  int `yaml:"summarizeMaxRetries" json:"summarizeMaxRetries"`
	SummarizeBaseDelayMs int `yaml:"summarizeBaseDelayMs" json:"summarizeBaseDelayMs"`
}

// DICOMWebConfig configures the authenticated DICOMweb download path.
// VersionMode decides the version stamped on DICOMweb rows: "wallclock"
// stamps the observation time (every redelivery makes a new row, the read
// projection dedupes by path), "constant" stamps "0" (redeliveries converge
// on one id, re-ingest history is lost).
type DICOMWebConfig struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	VersionMode string `yaml:"versionMode" json:"versionMode"`
}

type IngestConfig struct {
	// RequireReprocessKey gates OBJECT_METADATA_UPDATE handling on the
	// presence of the "reprocess" metadata key, so benign metadata edits do
	// not double-write rows. Off by default.
	RequireReprocessKey bool `yaml:"requireReprocessKey" json:"requireReprocessKey"`
	// RenderCommand is the external tool that converts a DICOM file to JPEG.
	RenderCommand string `yaml:"renderCommand" json:"renderCommand"`
	// ProcessPollIntervalMs and ProcessMaxWaitMs bound the process.run
	// polling loop on the WS bridge.
	ProcessPollIntervalMs int `yaml:"processPollIntervalMs" json:"processPollIntervalMs"`
	ProcessMaxWaitMs      int `yaml:"processMaxWaitMs" json:"processMaxWaitMs"`
	// SubscriptionID names the pull subscription the worker binary drains.
	SubscriptionID string `yaml:"subscriptionId" json:"subscriptionId"`
	// UploadBucketPath is the bucket[/prefix] process.run uploads into; the
	// notification subscription must watch it. Empty falls back to
	// embedding.input.gcsBucketPath.
	UploadBucketPath string `yaml:"uploadBucketPath" json:"uploadBucketPath"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	TTLSec   int    `yaml:"ttlSec" json:"ttlSec"`
}

const (
	VersionModeWallclock = "wallclock"
	VersionModeConstant  = "constant"
)

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080, StaticDir: "web"},
		BigQuery: BigQueryConfig{
			DatasetID:         "imaging",
			InstancesTableID:  "instances",
			DeadLetterTableID: "dead_letter",
		},
		Embedding: EmbeddingConfig{
			Input: EmbeddingInputConfig{
				Vector:        VectorConfig{Model: "multimodalembedding@001"},
				SummarizeText: SummarizeTextConfig{MaxLength: 1024},
			},
		},
		Retry: RetryConfig{
			MaxRetries:           5,
			BaseDelayMs:          500,
			SummarizeMaxRetries:  5,
			SummarizeBaseDelayMs: 500,
		},
		DICOMWeb: DICOMWebConfig{VersionMode: VersionModeWallclock},
		Ingest: IngestConfig{
			RenderCommand:         "dcmj2pnm",
			ProcessPollIntervalMs: 2000,
			ProcessMaxWaitMs:      120000,
		},
		Redis: RedisConfig{TTLSec: 300},
	}
}

// Load resolves the configuration from the environment.
func Load() (Config, error) {
	cfg := Defaults()

	if raw := os.Getenv(EnvConfig); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", EnvConfig, err)
		}
		return cfg, cfg.validate()
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
		if strings.HasSuffix(path, ".json") {
			err = json.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		return cfg, cfg.validate()
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.GCP.ProjectID == "" {
		return fmt.Errorf("gcpConfig.projectId is required")
	}
	if c.DICOMWeb.VersionMode != VersionModeWallclock && c.DICOMWeb.VersionMode != VersionModeConstant {
		return fmt.Errorf("dicomWeb.versionMode must be %q or %q", VersionModeWallclock, VersionModeConstant)
	}
	return nil
}
