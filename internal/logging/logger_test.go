package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel(" DEBUG "))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestWriterRespectsLevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, LevelInfo).WithComponent("session")

	logger.Debugf("hidden %d", 1)
	logger.Infof("visible %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible 2")
	assert.Contains(t, out, "component=session")
}

func TestNewCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	logger, err := New(path, LevelDebug)
	require.NoError(t, err)
	logger.Errorf("boom")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "boom")
}

func TestContextRoundTrip(t *testing.T) {
	logger := Discard()
	ctx := WithContext(context.Background(), logger)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Infof("nothing")
	assert.Nil(t, logger.WithComponent("x"))
	assert.NoError(t, logger.Close())
}
