// Package config handles configuration loading and validation for verso.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/versohq/verso/pkg/bytesize"
)

// Defaults applied by LoadServerConfig.
const (
	DefaultListen    = ":9000"
	DefaultDataDir   = "/var/lib/verso"
	DefaultSiteID    = "local"
	DefaultBlockSize = 8 * bytesize.MB
)

// MetadataConfig locates the metadata database.
type MetadataConfig struct {
	Path string `yaml:"path"` // default: <data_dir>/meta.db
}

// QuotaConfig holds the global storage limit.
type QuotaConfig struct {
	MaxSize bytesize.Size `yaml:"max_size"` // 0 = unlimited
}

// CredentialConfig is one S3 access key.
type CredentialConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UserID    string `yaml:"user_id"` // default: the access key
}

// AuthConfig holds request authentication settings.
type AuthConfig struct {
	Credentials       []CredentialConfig `yaml:"credentials"`
	ReplicationSecret string             `yaml:"replication_secret"` // empty disables the replication routes
}

// FileBackendConfig stores blobs on the local filesystem.
type FileBackendConfig struct {
	Name          string `yaml:"name"`
	Path          string `yaml:"path"`
	EncryptionKey string `yaml:"encryption_key"` // optional, enables XChaCha20-Poly1305
}

// S3BackendConfig stores blobs in a remote S3-compatible bucket.
type S3BackendConfig struct {
	Name      string `yaml:"name"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// BackendsConfig lists the data backends.
type BackendsConfig struct {
	Default string              `yaml:"default"` // default: the first configured backend
	File    []FileBackendConfig `yaml:"file"`
	S3      []S3BackendConfig   `yaml:"s3"`
}

// ReclaimConfig tunes the reclaim queue.
type ReclaimConfig struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// ServerConfig holds configuration for the object server.
type ServerConfig struct {
	Listen    string         `yaml:"listen"`
	DataDir   string         `yaml:"data_dir"`
	SiteID    string         `yaml:"site_id"`
	BlockSize bytesize.Size  `yaml:"block_size"`
	Metadata  MetadataConfig `yaml:"metadata"`
	Quota     QuotaConfig    `yaml:"quota"`
	Auth      AuthConfig     `yaml:"auth"`
	Backends  BackendsConfig `yaml:"backends"`
	Reclaim   ReclaimConfig  `yaml:"reclaim"`
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.SiteID == "" {
		c.SiteID = DefaultSiteID
	}
	if c.BlockSize == 0 {
		c.BlockSize = bytesize.Size(DefaultBlockSize)
	}
	if c.Metadata.Path == "" {
		c.Metadata.Path = filepath.Join(c.DataDir, "meta.db")
	}
	c.Metadata.Path = expandHome(c.Metadata.Path)

	// With nothing configured, store blobs under the data directory.
	if len(c.Backends.File) == 0 && len(c.Backends.S3) == 0 {
		c.Backends.File = []FileBackendConfig{{Name: "local", Path: filepath.Join(c.DataDir, "blobs")}}
	}
	for i := range c.Backends.File {
		c.Backends.File[i].Path = expandHome(c.Backends.File[i].Path)
	}
	if c.Backends.Default == "" {
		c.Backends.Default = c.firstBackend()
	}
	for i := range c.Auth.Credentials {
		if c.Auth.Credentials[i].UserID == "" {
			c.Auth.Credentials[i].UserID = c.Auth.Credentials[i].AccessKey
		}
	}

	r := &c.Reclaim
	if r.Workers == 0 {
		r.Workers = 5
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 5
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = 100 * time.Millisecond
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 5 * time.Second
	}
	if r.FlushInterval == 0 {
		r.FlushInterval = 5 * time.Second
	}
	if r.DrainTimeout == 0 {
		r.DrainTimeout = 10 * time.Second
	}
}

func (c *ServerConfig) firstBackend() string {
	if len(c.Backends.File) > 0 {
		return c.Backends.File[0].Name
	}
	if len(c.Backends.S3) > 0 {
		return c.Backends.S3[0].Name
	}
	return ""
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.BlockSize < 0 {
		return fmt.Errorf("block_size must not be negative")
	}
	if c.Quota.MaxSize < 0 {
		return fmt.Errorf("quota.max_size must not be negative")
	}

	seen := make(map[string]bool)
	for i, cred := range c.Auth.Credentials {
		if cred.AccessKey == "" || cred.SecretKey == "" {
			return fmt.Errorf("auth.credentials[%d]: access_key and secret_key are required", i)
		}
		if seen[cred.AccessKey] {
			return fmt.Errorf("auth.credentials[%d]: duplicate access_key %q", i, cred.AccessKey)
		}
		seen[cred.AccessKey] = true
	}

	names := make(map[string]bool)
	addName := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("backends.%s: name is required", kind)
		}
		if names[name] {
			return fmt.Errorf("backends.%s: duplicate backend name %q", kind, name)
		}
		names[name] = true
		return nil
	}
	for _, b := range c.Backends.File {
		if err := addName("file", b.Name); err != nil {
			return err
		}
		if b.Path == "" {
			return fmt.Errorf("backends.file %q: path is required", b.Name)
		}
	}
	for _, b := range c.Backends.S3 {
		if err := addName("s3", b.Name); err != nil {
			return err
		}
		if b.Bucket == "" {
			return fmt.Errorf("backends.s3 %q: bucket is required", b.Name)
		}
		if (b.AccessKey == "") != (b.SecretKey == "") {
			return fmt.Errorf("backends.s3 %q: access_key and secret_key must be set together", b.Name)
		}
	}
	if !names[c.Backends.Default] {
		return fmt.Errorf("backends.default %q is not a configured backend", c.Backends.Default)
	}

	r := c.Reclaim
	if r.Workers < 1 {
		return fmt.Errorf("reclaim.workers must be at least 1")
	}
	if r.MaxRetries < 1 {
		return fmt.Errorf("reclaim.max_retries must be at least 1")
	}
	if r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("reclaim.max_backoff must not be less than reclaim.initial_backoff")
	}
	return nil
}
