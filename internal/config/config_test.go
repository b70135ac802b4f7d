package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versohq/verso/pkg/bytesize"
	"github.com/versohq/verso/testutil"
)

func TestLoadServerConfig(t *testing.T) {
	content := `
listen: "127.0.0.1:9100"
data_dir: "/srv/verso"
site_id: "dc1"
block_size: 4Mi
metadata:
  path: "/srv/meta/verso.db"
quota:
  max_size: 10Gi
auth:
  credentials:
    - access_key: AKIA1
      secret_key: s1
      user_id: alice
    - access_key: AKIA2
      secret_key: s2
  replication_secret: "shh"
backends:
  default: remote
  file:
    - name: local
      path: /srv/blobs
      encryption_key: "k"
  s3:
    - name: remote
      bucket: archive
      region: eu-west-1
      endpoint: "http://minio:9000"
      access_key: minio
      secret_key: minio123
      prefix: verso/
      path_style: true
reclaim:
  workers: 8
  max_retries: 3
  initial_backoff: 50ms
  max_backoff: 2s
  flush_interval: 1s
  drain_timeout: 30s
`
	path := testutil.TempFile(t, t.TempDir(), "server.yaml", content)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9100", cfg.Listen)
	assert.Equal(t, "dc1", cfg.SiteID)
	assert.Equal(t, 4*bytesize.MB, cfg.BlockSize.Bytes())
	assert.Equal(t, "/srv/meta/verso.db", cfg.Metadata.Path)
	assert.Equal(t, 10*bytesize.GB, cfg.Quota.MaxSize.Bytes())

	require.Len(t, cfg.Auth.Credentials, 2)
	assert.Equal(t, "alice", cfg.Auth.Credentials[0].UserID)
	assert.Equal(t, "AKIA2", cfg.Auth.Credentials[1].UserID, "user id defaults to the access key")
	assert.Equal(t, "shh", cfg.Auth.ReplicationSecret)

	assert.Equal(t, "remote", cfg.Backends.Default)
	require.Len(t, cfg.Backends.File, 1)
	assert.Equal(t, "k", cfg.Backends.File[0].EncryptionKey)
	require.Len(t, cfg.Backends.S3, 1)
	assert.Equal(t, S3BackendConfig{
		Name: "remote", Bucket: "archive", Region: "eu-west-1", Endpoint: "http://minio:9000",
		AccessKey: "minio", SecretKey: "minio123", Prefix: "verso/", PathStyle: true,
	}, cfg.Backends.S3[0])

	assert.Equal(t, ReclaimConfig{
		Workers:        8,
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		FlushInterval:  time.Second,
		DrainTimeout:   30 * time.Second,
	}, cfg.Reclaim)
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	path := testutil.TempFile(t, t.TempDir(), "server.yaml", "data_dir: /tmp/verso\n")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultSiteID, cfg.SiteID)
	assert.Equal(t, DefaultBlockSize, cfg.BlockSize.Bytes())
	assert.Equal(t, "/tmp/verso/meta.db", cfg.Metadata.Path)
	assert.Equal(t, int64(0), cfg.Quota.MaxSize.Bytes())
	assert.Equal(t, []FileBackendConfig{{Name: "local", Path: "/tmp/verso/blobs"}}, cfg.Backends.File)
	assert.Equal(t, "local", cfg.Backends.Default)
	assert.Equal(t, 5, cfg.Reclaim.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Reclaim.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.Reclaim.DrainTimeout)
}

func TestLoadServerConfig_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path := testutil.TempFile(t, t.TempDir(), "server.yaml", "data_dir: ~/verso\n")
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "verso"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "verso", "meta.db"), cfg.Metadata.Path)
}

func TestLoadServerConfig_FileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidYAML(t *testing.T) {
	path := testutil.TempFile(t, t.TempDir(), "server.yaml", "listen: [invalid yaml\n")
	_, err := LoadServerConfig(path)
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidSize(t *testing.T) {
	path := testutil.TempFile(t, t.TempDir(), "server.yaml", "quota:\n  max_size: plenty\n")
	_, err := LoadServerConfig(path)
	assert.Error(t, err)
}

func TestServerConfig_Validate(t *testing.T) {
	valid := func() *ServerConfig {
		cfg := &ServerConfig{DataDir: "/tmp/verso"}
		cfg.applyDefaults()
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"bad listen", func(c *ServerConfig) { c.Listen = "9000" }},
		{"negative quota", func(c *ServerConfig) { c.Quota.MaxSize = -1 }},
		{"credential without secret", func(c *ServerConfig) {
			c.Auth.Credentials = []CredentialConfig{{AccessKey: "a"}}
		}},
		{"duplicate access key", func(c *ServerConfig) {
			c.Auth.Credentials = []CredentialConfig{{AccessKey: "a", SecretKey: "s"}, {AccessKey: "a", SecretKey: "t"}}
		}},
		{"duplicate backend", func(c *ServerConfig) {
			c.Backends.S3 = []S3BackendConfig{{Name: "local", Bucket: "b"}}
		}},
		{"s3 without bucket", func(c *ServerConfig) {
			c.Backends.S3 = []S3BackendConfig{{Name: "remote"}}
		}},
		{"s3 half credentials", func(c *ServerConfig) {
			c.Backends.S3 = []S3BackendConfig{{Name: "remote", Bucket: "b", AccessKey: "x"}}
		}},
		{"file without path", func(c *ServerConfig) { c.Backends.File[0].Path = "" }},
		{"unknown default", func(c *ServerConfig) { c.Backends.Default = "nope" }},
		{"no workers", func(c *ServerConfig) { c.Reclaim.Workers = 0 }},
		{"backoff order", func(c *ServerConfig) { c.Reclaim.MaxBackoff = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
