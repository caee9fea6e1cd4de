package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xraytun/internal/logging"
	"xraytun/internal/process"
)

// fakeCore имитирует CLI xray: version, run -test -c, run -c.
const fakeCore = `#!/bin/sh
case "$1" in
version)
  echo "Xray 1.8.24 (Xray, Penetrates Everything.)"
  echo "A unified platform for anti-censorship."
  ;;
run)
  if [ "$2" = "-test" ]; then
    if grep -q broken "$4"; then echo "Failed to start: invalid config"; exit 23; fi
    echo "Configuration OK."
    exit 0
  fi
  if grep -q crash "$3"; then echo "boom"; exit 1; fi
  trap 'exit 0' INT TERM
  while :; do sleep 0.05; done
  ;;
esac
`

func newTestProcess(t *testing.T) (*Process, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	dir := t.TempDir()
	core := filepath.Join(dir, "xray")
	require.NoError(t, os.WriteFile(core, []byte(fakeCore), 0o755))
	p := NewProcess(process.NewLauncher(logging.Discard()), logging.Discard(), ProcessOptions{
		CorePath:    core,
		LogFile:     filepath.Join(dir, "logs", "core.log"),
		PIDFile:     filepath.Join(dir, "core.pid"),
		StartGrace:  150 * time.Millisecond,
		StopTimeout: time.Second,
	})
	return p, dir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestProcessVersionAndCheck(t *testing.T) {
	p, dir := newTestProcess(t)
	ctx := context.Background()

	version, err := p.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Xray 1.8.24 (Xray, Penetrates Everything.)", version)

	require.NoError(t, p.Check(ctx, writeConfig(t, dir, `{}`)))

	err = p.Check(ctx, writeConfig(t, dir, `{"broken":true}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestProcessStartStop(t *testing.T) {
	p, dir := newTestProcess(t)
	ctx := context.Background()
	unexpected := make(chan string, 1)
	p.SetExitHandler(func(reason string) { unexpected <- reason })

	require.NoError(t, p.Start(ctx, writeConfig(t, dir, `{}`)))
	assert.True(t, p.IsRunning())
	pid, err := process.ReadPIDFile(filepath.Join(dir, "core.pid"))
	require.NoError(t, err)
	assert.Positive(t, pid)

	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
	_, statErr := os.Stat(filepath.Join(dir, "core.pid"))
	assert.True(t, os.IsNotExist(statErr))

	select {
	case reason := <-unexpected:
		t.Fatalf("requested stop reported as unexpected: %s", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProcessEarlyExitIsStartFailure(t *testing.T) {
	p, dir := newTestProcess(t)
	err := p.Start(context.Background(), writeConfig(t, dir, `{"crash":true}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.False(t, p.IsRunning())
}

func TestProcessStartTimeoutStopsChild(t *testing.T) {
	p, dir := newTestProcess(t)
	p.opts.StartGrace = 5 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := p.Start(ctx, writeConfig(t, dir, `{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsRunning())
}

func TestProcessUnexpectedExitNotifies(t *testing.T) {
	p, dir := newTestProcess(t)
	unexpected := make(chan string, 1)
	p.SetExitHandler(func(reason string) { unexpected <- reason })

	require.NoError(t, p.Start(context.Background(), writeConfig(t, dir, `{}`)))
	rec, ok := p.launcher.Registry().Get(process.NameCore)
	require.True(t, ok)
	require.NoError(t, process.Kill(rec.PID))

	select {
	case reason := <-unexpected:
		assert.Contains(t, reason, "engine exited")
	case <-time.After(5 * time.Second):
		t.Fatal("unexpected exit not reported")
	}
	assert.Eventually(t, func() bool { return !p.launcher.Running(process.NameCore) }, time.Second, 10*time.Millisecond)
}

func TestProcessDetectsStalePID(t *testing.T) {
	p, dir := newTestProcess(t)
	sleeper := exec.Command("sleep", "30")
	require.NoError(t, sleeper.Start())
	t.Cleanup(func() { _ = sleeper.Process.Kill(); _, _ = sleeper.Process.Wait() })
	done := make(chan struct{})
	go func() { _, _ = sleeper.Process.Wait(); close(done) }()

	require.NoError(t, process.WritePIDFile(filepath.Join(dir, "core.pid"), sleeper.Process.Pid))
	assert.True(t, p.IsRunning(), "pid from previous run is treated as running engine")

	require.NoError(t, p.Stop(context.Background()))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stale engine not killed")
	}
	assert.False(t, p.IsRunning())
}
