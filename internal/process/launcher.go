package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"xraytun/internal/logging"
)

// ErrAlreadyRunning возвращается при повторном запуске процесса с тем же именем.
var ErrAlreadyRunning = errors.New("process already running")

type handle struct {
	cmd    *exec.Cmd
	exitCh chan struct{}
}

// ExitCallback вызывается при завершении процесса.
type ExitCallback func(name Name, exitCode int, reason string)

// Launcher отвечает за запуск и остановку дочерних процессов.
type Launcher struct {
	logger   *logging.Logger
	registry *Registry
	mu       sync.Mutex
	procs    map[Name]*handle
	onExit   ExitCallback
}

// NewLauncher создаёт новый Launcher.
func NewLauncher(logger *logging.Logger) *Launcher {
	return &Launcher{
		logger:   logger,
		registry: NewRegistry(),
		procs:    make(map[Name]*handle),
	}
}

// SetExitCallback задаёт функцию, вызываемую при завершении процессов.
func (l *Launcher) SetExitCallback(cb ExitCallback) {
	l.mu.Lock()
	l.onExit = cb
	l.mu.Unlock()
}

// Registry возвращает реестр с последними записями процессов.
func (l *Launcher) Registry() *Registry {
	return l.registry
}

// Start запускает процесс с заданными аргументами и перенаправлением вывода в файл.
func (l *Launcher) Start(name Name, binary string, args []string, logFile string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if binary == "" {
		return nil, fmt.Errorf("binary path is empty")
	}
	if _, exists := l.procs[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	cmd := exec.Command(binary, args...)
	cmd.Dir = filepath.Dir(binary)
	applyProcessAttributes(cmd)
	l.logger.Debugf("launch %s: %s", name, formatCommand(binary, args))
	logWriter, err := openLogFile(logFile)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	if err := cmd.Start(); err != nil {
		logWriter.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	h := &handle{cmd: cmd, exitCh: make(chan struct{})}
	l.procs[name] = h
	record := Record{
		Name:      name,
		Command:   binary,
		Args:      append([]string{}, args...),
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		Status:    StatusRunning,
	}
	l.registry.Update(record)
	go func() {
		err := cmd.Wait()
		logWriter.Close()
		l.finishProcess(name, h, err)
	}()
	return &record, nil
}

// Run выполняет короткую команду и возвращает её объединённый вывод.
func (l *Launcher) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	if binary == "" {
		return nil, fmt.Errorf("binary path is empty")
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = filepath.Dir(binary)
	applyProcessAttributes(cmd)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	l.logger.Debugf("run: %s", formatCommand(binary, args))
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out.Bytes(), ctxErr
	}
	if err != nil {
		return out.Bytes(), fmt.Errorf("%s: %w", filepath.Base(binary), err)
	}
	return out.Bytes(), nil
}

// Running сообщает, жив ли процесс, запущенный этим Launcher.
func (l *Launcher) Running(name Name) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.procs[name]
	return ok
}

// Exited возвращает канал, который закрывается при завершении процесса.
// Для незапущенного процесса канал уже закрыт.
func (l *Launcher) Exited(name Name) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.procs[name]; ok {
		return h.exitCh
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func formatCommand(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteArg(binary))
	for _, arg := range args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteArg(arg string) string {
	if arg == "" {
		return "\"\""
	}
	if strings.IndexAny(arg, " \t\"") == -1 {
		return arg
	}
	escaped := strings.ReplaceAll(arg, "\"", "\\\"")
	return "\"" + escaped + "\""
}

// Stop пытается корректно завершить процесс, затем применяет kill по таймауту.
func (l *Launcher) Stop(name Name, timeout time.Duration) error {
	l.mu.Lock()
	h := l.procs[name]
	l.mu.Unlock()
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := sendInterrupt(h.cmd); err != nil {
		l.logger.Debugf("send interrupt to %s failed: %v", name, err)
	}
	select {
	case <-h.exitCh:
		return nil
	case <-time.After(timeout):
		l.logger.Infof("process %s timeout, killing", name)
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-h.exitCh
		return nil
	}
}

func openLogFile(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (l *Launcher) finishProcess(name Name, h *handle, err error) {
	exitCode := 0
	reason := "process exited normally"
	status := StatusExited
	if err != nil {
		reason = err.Error()
		status = StatusFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		l.logger.Errorf("process %s exited with error: %s", name, reason)
	} else {
		l.logger.Infof("process %s exited", name)
	}
	if record, ok := l.registry.Get(name); ok && record.PID == h.cmd.Process.Pid {
		now := time.Now()
		record.ExitedAt = &now
		record.ExitCode = &exitCode
		record.ExitReason = reason
		record.Status = status
		l.registry.Update(record)
	}

	l.mu.Lock()
	if current, ok := l.procs[name]; ok && current == h {
		delete(l.procs, name)
	}
	close(h.exitCh)
	cb := l.onExit
	l.mu.Unlock()
	if cb != nil {
		cb(name, exitCode, reason)
	}
}
