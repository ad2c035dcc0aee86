package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndInheritance(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
defaults:
  handler: ftp
  max_depth: 8
  request_wait: 5s
  default_revisit_wait: 3d
sites:
  - url: ftp://mirror.example.com
  - url: file:///srv/share
    handler: file
    request_wait: 0
    max_depth: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 4, cfg.Workers.Count, "workers default applies")

	built, err := cfg.BuildSites()
	require.NoError(t, err)
	require.Len(t, built, 2)

	ftpSite := built[0]
	require.Equal(t, "ftp", ftpSite.Policy.Handler)
	require.Equal(t, 8, ftpSite.Policy.MaxDepth)
	require.Equal(t, 5*time.Second, ftpSite.Policy.RequestWait)
	require.Equal(t, 3*24*time.Hour, ftpSite.Policy.DefaultRevisitWait)

	fileSite := built[1]
	require.Equal(t, "file", fileSite.Policy.Handler)
	require.Equal(t, 2, fileSite.Policy.MaxDepth)
	require.Equal(t, time.Duration(0), fileSite.Policy.RequestWait, "explicit zero overrides the default")
	require.Equal(t, "/srv/share", fileSite.RootPath())
}

func TestLoadExplicitZeroMaxDepthOverridesDefault(t *testing.T) {
	path := writeConfig(t, `
defaults:
  max_depth: 8
sites:
  - url: ftp://root-only.example.com
    max_depth: 0
  - url: ftp://mirror.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	built, err := cfg.BuildSites()
	require.NoError(t, err)
	require.Equal(t, 0, built[0].Policy.MaxDepth, "explicit zero crawls only the root")
	require.Equal(t, 8, built[1].Policy.MaxDepth, "unset depth inherits the default")
}

func TestLoadNumericIntervals(t *testing.T) {
	path := writeConfig(t, `
defaults:
  request_wait: 300
sites:
  - url: ftp://mirror.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	built, err := cfg.BuildSites()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, built[0].Policy.RequestWait)
}

func TestLoadRejectsBadProvider(t *testing.T) {
	path := writeConfig(t, `
index:
  provider: sqlite
sites:
  - url: ftp://mirror.example.com
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "index.provider")
}

func TestLoadRequiresDSNForPostgres(t *testing.T) {
	path := writeConfig(t, `
index:
  provider: postgres
sites:
  - url: ftp://mirror.example.com
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "index.dsn")
}

func TestLoadRequiresSites(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "at least one site")
}

func TestLoadRejectsMalformedInterval(t *testing.T) {
	path := writeConfig(t, `
defaults:
  request_wait: often
sites:
  - url: ftp://mirror.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	_, err = cfg.BuildSites()
	require.ErrorContains(t, err, "request_wait")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ARACHNE_SERVER_PORT", "7070")
	path := writeConfig(t, `
sites:
  - url: ftp://mirror.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}
