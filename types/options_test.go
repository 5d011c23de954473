package types

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rangelock.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultManagerOptions(t *testing.T) {
	options := DefaultManagerOptions()
	assert.Equal(t, DefaultOwnerShards, options.OwnerShards)
	assert.Equal(t, DefaultLogLevel, options.LogLevel)
	assert.Equal(t, DefaultMetricsNamespace, options.MetricsNamespace)
	assert.False(t, options.Verify)
}

func TestReloadConfigurationFile(t *testing.T) {
	path := writeConfig(t, `
[rangelock]
owner_shards = 100
verify = true
log_level = "Debug"
metrics_namespace = "test"
`)
	options := DefaultManagerOptions()
	require.NoError(t, ReloadConfigurationFile(path, &options))
	assert.Equal(t, 128, options.OwnerShards)
	assert.True(t, options.Verify)
	assert.Equal(t, "debug", options.LogLevel)
	assert.Equal(t, "test", options.MetricsNamespace)
}

func TestReloadConfigurationFileKeepsUnsetValues(t *testing.T) {
	path := writeConfig(t, "[rangelock]\nlog_level = \"warn\"\n")
	options := DefaultManagerOptions()
	options.Verify = true
	require.NoError(t, ReloadConfigurationFile(path, &options))
	assert.True(t, options.Verify)
	assert.Equal(t, DefaultOwnerShards, options.OwnerShards)
	assert.Equal(t, "warn", options.LogLevel)
}

func TestReloadConfigurationFileUnknownKeys(t *testing.T) {
	content := bytes.NewBufferString("")
	logrus.SetOutput(content)
	defer logrus.SetOutput(os.Stderr)

	path := writeConfig(t, "foo = 1\n[rangelock]\nowner_shards = 4\nbar = \"x\"\n")
	options := DefaultManagerOptions()
	require.NoError(t, ReloadConfigurationFile(path, &options))
	assert.Equal(t, 4, options.OwnerShards)
	assert.True(t, strings.Contains(content.String(), "Failed to decode the keys"), content.String())
	assert.True(t, strings.Contains(content.String(), "rangelock.bar"), content.String())
}

func TestReloadConfigurationFileInvalid(t *testing.T) {
	for _, content := range []string{
		"[rangelock]\nowner_shards = -1\n",
		"[rangelock]\nlog_level = \"loud\"\n",
	} {
		options := DefaultManagerOptions()
		err := ReloadConfigurationFile(writeConfig(t, content), &options)
		assert.ErrorIs(t, err, ErrInvalidOption, content)
	}

	options := DefaultManagerOptions()
	assert.Error(t, ReloadConfigurationFile(writeConfig(t, "[rangelock\n"), &options))
}

func TestReloadConfigurationFileMissing(t *testing.T) {
	options := DefaultManagerOptions()
	require.NoError(t, ReloadConfigurationFile(filepath.Join(t.TempDir(), "missing.conf"), &options))
	assert.Equal(t, DefaultManagerOptions(), options)
}

func TestReloadConfigurationFileIfNeeded(t *testing.T) {
	path := writeConfig(t, "[rangelock]\nowner_shards = 8\n")
	var options ManagerOptions
	require.NoError(t, ReloadConfigurationFileIfNeeded(path, &options))
	assert.Equal(t, 8, options.OwnerShards)

	// An unmodified file is not parsed again.
	options = ManagerOptions{}
	require.NoError(t, ReloadConfigurationFileIfNeeded(path, &options))
	assert.Equal(t, 8, options.OwnerShards)

	require.NoError(t, os.WriteFile(path, []byte("[rangelock]\nowner_shards = 16\n"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	require.NoError(t, ReloadConfigurationFileIfNeeded(path, &options))
	assert.Equal(t, 16, options.OwnerShards)
}

func TestDefaultConfigFileOverride(t *testing.T) {
	t.Setenv("RANGELOCK_CONF", "default_override_test.conf")
	assert.Equal(t, "default_override_test.conf", DefaultConfigFile())
}

func TestOptions(t *testing.T) {
	path := writeConfig(t, "[rangelock]\nmetrics_namespace = \"node\"\n")
	t.Setenv("RANGELOCK_CONF", path)
	options, err := Options()
	require.NoError(t, err)
	assert.Equal(t, "node", options.MetricsNamespace)
	assert.Equal(t, DefaultOwnerShards, options.OwnerShards)
}
