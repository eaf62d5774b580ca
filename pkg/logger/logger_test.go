package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	off := false
	log, closer, err := New(Config{Level: "debug", OutputFile: path, Console: &off})
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	Component(log, "hub").Info("hello")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
	assert.Contains(t, string(b), "component=hub")
}

func TestNewDefaults(t *testing.T) {
	off := false
	log, closer, err := New(Config{Level: "nonsense", Format: "json", Console: &off})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.InfoLevel, log.GetLevel(), "非法级别回退到 info")
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestComponentWithoutLogger(t *testing.T) {
	e := Component(nil, "feed")
	assert.Equal(t, "feed", e.Data["component"])
	assert.Same(t, logrus.StandardLogger(), e.Logger)
}
