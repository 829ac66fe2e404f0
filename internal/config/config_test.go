package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineAppliesDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := Define(fs)
	require.NoError(t, fs.Parse(nil))

	assert.Equal(t, 1, cfg.QueueThreads)
	assert.Equal(t, 3600, cfg.TrackerRetries)
}

func TestDefineFlagOverridesDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := Define(fs)
	require.NoError(t, fs.Parse([]string{"--queue-threads=4"}))

	assert.Equal(t, 4, cfg.QueueThreads)
}

func TestDefineEnvOverridesDefaultButNotFlag(t *testing.T) {
	t.Setenv("ORCH_QUEUE_THREADS", "7")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := Define(fs)
	require.NoError(t, fs.Parse(nil))

	assert.Equal(t, 7, cfg.QueueThreads)

	fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg = Define(fs)
	require.NoError(t, fs.Parse([]string{"--queue-threads=4"}))

	assert.Equal(t, 4, cfg.QueueThreads)
}

func TestValidateRequiresBaseURLs(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)

	cfg.RemoteASGBaseURL = "http://asg.internal"
	cfg.DeployStoreBaseURL = "http://store.internal"
	assert.NoError(t, cfg.Validate())
}
