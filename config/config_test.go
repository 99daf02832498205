package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigRead(t *testing.T) {
	conf, err := LoadServerConfig("", "testtso")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", conf.Host)
	assert.Equal(t, 54758, conf.Port)
	assert.Equal(t, 8, conf.BatchSizePerWriter)
	assert.Equal(t, 3, conf.NumConcurrentWriters)
	assert.Equal(t, 6, conf.BatchPoolSize, "pool size defaults to twice the writers")
	assert.Equal(t, 20*time.Millisecond, conf.BatchPersistTimeout)
	assert.Equal(t, 1024, conf.ConflictMapSize)
	assert.Equal(t, int64(500), conf.TimestampBatch)
	assert.Equal(t, LeaseModeZK, conf.LeaseMode)
	assert.Equal(t, []string{"127.0.0.1:2181", "127.0.0.2:2181"}, conf.ZKServers)
	assert.Equal(t, 4*time.Second, conf.LeasePeriod)
	assert.Equal(t, 9464, conf.MetricsPort)
}

func TestClientConfigRead(t *testing.T) {
	conf, err := LoadClientConfig("", "testtsoclient")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", conf.TSOHost)
	assert.Equal(t, 1500*time.Millisecond, conf.RequestTimeout)
	assert.Equal(t, 3, conf.RequestMaxRetries)
	assert.Equal(t, time.Second, conf.RetryDelay)
	assert.Equal(t, 100*time.Millisecond, conf.ConnectTimeout)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("TSOTEST_REQUEST_MAX_RETRIES", "9")
	conf, err := LoadClientConfig("tsotest", "testtsoclient")
	require.NoError(t, err)
	assert.Equal(t, 9, conf.RequestMaxRetries)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadServerConfig("", "does-not-exist")
	assert.Error(t, err)
}

func TestServerConfigValidate(t *testing.T) {
	conf := NewServerConfig(0)
	require.NoError(t, conf.Validate())

	conf.BatchPoolSize = conf.NumConcurrentWriters - 1
	assert.Error(t, conf.Validate())

	conf = NewServerConfig(0)
	conf.BatchSizePerWriter = 0
	assert.Error(t, conf.Validate())

	conf = NewServerConfig(0)
	conf.LeaseMode = LeaseModeZK
	assert.Error(t, conf.Validate(), "zk lease needs servers")
	conf.ZKServers = []string{"localhost:2181"}
	assert.NoError(t, conf.Validate())

	conf.LeaseMode = "raft"
	assert.Error(t, conf.Validate())
}

func TestClientConfigValidate(t *testing.T) {
	conf := NewClientConfig("localhost", DefaultTSOPort)
	require.NoError(t, conf.Validate())

	conf.TSOHost = ""
	assert.Error(t, conf.Validate())

	conf = NewClientConfig("localhost", DefaultTSOPort)
	conf.RequestMaxRetries = -1
	assert.Error(t, conf.Validate())
}
