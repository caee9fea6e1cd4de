package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xraytun/internal/logging"
)

func shell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}
	return sh
}

func TestStartStop(t *testing.T) {
	sh := shell(t)
	l := NewLauncher(logging.Discard())
	logFile := filepath.Join(t.TempDir(), "logs", "core.log")

	exited := make(chan Name, 1)
	l.SetExitCallback(func(name Name, _ int, _ string) { exited <- name })

	record, err := l.Start(NameCore, sh, []string{"-c", "echo started; sleep 30"}, logFile)
	require.NoError(t, err)
	assert.Positive(t, record.PID)
	assert.True(t, l.Running(NameCore))
	assert.True(t, Alive(record.PID))

	_, err = l.Start(NameCore, sh, []string{"-c", "true"}, logFile)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logFile)
		return err == nil && strings.Contains(string(data), "started")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, l.Stop(NameCore, 2*time.Second))
	assert.False(t, l.Running(NameCore))
	select {
	case name := <-exited:
		assert.Equal(t, NameCore, name)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback not called")
	}
	rec, ok := l.Registry().Get(NameCore)
	require.True(t, ok)
	assert.NotEqual(t, StatusRunning, rec.Status)
	require.NotNil(t, rec.ExitedAt)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "started")
}

func TestExitedChannel(t *testing.T) {
	sh := shell(t)
	l := NewLauncher(logging.Discard())
	_, err := l.Start(NameCore, sh, []string{"-c", "exit 3"}, filepath.Join(t.TempDir(), "core.log"))
	require.NoError(t, err)

	select {
	case <-l.Exited(NameCore):
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Eventually(t, func() bool {
		rec, ok := l.Registry().Get(NameCore)
		return ok && rec.ExitCode != nil && *rec.ExitCode == 3
	}, time.Second, 10*time.Millisecond)

	// незапущенный процесс
	select {
	case <-l.Exited("missing"):
	default:
		t.Fatal("channel for unknown process must be closed")
	}
}

func TestRun(t *testing.T) {
	sh := shell(t)
	l := NewLauncher(logging.Discard())

	out, err := l.Run(context.Background(), sh, "-c", "echo Xray 1.8.0")
	require.NoError(t, err)
	assert.Contains(t, string(out), "Xray 1.8.0")

	out, err = l.Run(context.Background(), sh, "-c", "echo bad config >&2; exit 1")
	require.Error(t, err)
	assert.Contains(t, string(out), "bad config")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Run(ctx, sh, "-c", "sleep 5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.pid")

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Zero(t, pid)

	require.NoError(t, WritePIDFile(path, os.Getpid()))
	pid, err = ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, Alive(pid))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path))
	assert.False(t, Alive(0))
}

func TestQuoteArg(t *testing.T) {
	assert.Equal(t, `""`, quoteArg(""))
	assert.Equal(t, "plain", quoteArg("plain"))
	assert.Equal(t, `"with space"`, quoteArg("with space"))
	assert.Equal(t, `/bin/xray run -c "C:\Program Files\x.json"`,
		formatCommand("/bin/xray", []string{"run", "-c", `C:\Program Files\x.json`}))
}
