package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"xraytun/internal/logging"
	"xraytun/internal/process"
)

const defaultStartGrace = 500 * time.Millisecond

// ProcessOptions описывает внешний бинарник xray и служебные файлы.
type ProcessOptions struct {
	CorePath    string
	LogFile     string
	PIDFile     string
	StartGrace  time.Duration
	StopTimeout time.Duration
}

// Process запускает xray отдельным процессом через Launcher.
type Process struct {
	launcher *process.Launcher
	logger   *logging.Logger
	opts     ProcessOptions

	mu       sync.Mutex
	stopping bool
	onExit   func(reason string)
}

// NewProcess создаёт движок-процесс и подписывается на завершение дочернего процесса.
func NewProcess(launcher *process.Launcher, logger *logging.Logger, opts ProcessOptions) *Process {
	if opts.StartGrace <= 0 {
		opts.StartGrace = defaultStartGrace
	}
	p := &Process{launcher: launcher, logger: logger, opts: opts}
	launcher.SetExitCallback(p.handleExit)
	return p
}

// SetExitHandler задаёт функцию, вызываемую при неожиданном завершении движка.
func (p *Process) SetExitHandler(fn func(reason string)) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

// Start запускает `xray run -c` и ждёт окно StartGrace: выход в этом окне считается ошибкой запуска.
func (p *Process) Start(ctx context.Context, configPath string) error {
	p.mu.Lock()
	p.stopping = false
	p.mu.Unlock()

	record, err := p.launcher.Start(process.NameCore, p.opts.CorePath, []string{"run", "-c", configPath}, p.opts.LogFile)
	if err != nil {
		return err
	}
	exited := p.launcher.Exited(process.NameCore)
	timer := time.NewTimer(p.opts.StartGrace)
	defer timer.Stop()
	select {
	case <-exited:
		reason := "engine exited during startup"
		if rec, ok := p.launcher.Registry().Get(process.NameCore); ok && rec.ExitReason != "" {
			reason += ": " + rec.ExitReason
		}
		return errors.New(reason)
	case <-ctx.Done():
		p.stopQuietly()
		return ctx.Err()
	case <-timer.C:
	}
	if p.opts.PIDFile != "" {
		if err := process.WritePIDFile(p.opts.PIDFile, record.PID); err != nil {
			p.logger.Warnf("write pid file: %v", err)
		}
	}
	return nil
}

func (p *Process) stopQuietly() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if err := p.launcher.Stop(process.NameCore, p.opts.StopTimeout); err != nil {
		p.logger.Warnf("stop engine: %v", err)
	}
}

// Stop останавливает свой процесс, а также процесс из pid-файла, оставшийся от прошлого запуска.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.launcher.Stop(process.NameCore, p.opts.StopTimeout) }()
	var stopErr error
	select {
	case stopErr = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if pid := p.stalePID(); pid > 0 {
		p.logger.Infof("killing stale engine pid %d", pid)
		if err := process.Kill(pid); err != nil {
			stopErr = errors.Join(stopErr, err)
		}
	}
	if p.opts.PIDFile != "" {
		if err := process.RemovePIDFile(p.opts.PIDFile); err != nil {
			p.logger.Warnf("remove pid file: %v", err)
		}
	}
	return stopErr
}

// IsRunning учитывает и собственный процесс, и живой pid из pid-файла.
func (p *Process) IsRunning() bool {
	if p.launcher.Running(process.NameCore) {
		return true
	}
	return p.stalePID() > 0
}

func (p *Process) stalePID() int {
	if p.opts.PIDFile == "" {
		return 0
	}
	pid, err := process.ReadPIDFile(p.opts.PIDFile)
	if err != nil {
		p.logger.Warnf("%v", err)
		return 0
	}
	if p.launcher.Running(process.NameCore) {
		if rec, ok := p.launcher.Registry().Get(process.NameCore); ok && rec.PID == pid {
			return 0
		}
	}
	if process.Alive(pid) {
		return pid
	}
	return 0
}

// Version возвращает первую строку `xray version`.
func (p *Process) Version(ctx context.Context) (string, error) {
	out, err := p.launcher.Run(ctx, p.opts.CorePath, "version")
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

// Check выполняет `xray run -test -c` и возвращает вывод движка как текст ошибки.
func (p *Process) Check(ctx context.Context, configPath string) error {
	out, err := p.launcher.Run(ctx, p.opts.CorePath, "run", "-test", "-c", configPath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s", msg)
		}
		return err
	}
	return nil
}

func (p *Process) handleExit(name process.Name, exitCode int, reason string) {
	if name != process.NameCore {
		return
	}
	p.mu.Lock()
	expected := p.stopping
	cb := p.onExit
	p.mu.Unlock()
	if expected || cb == nil {
		return
	}
	cb(fmt.Sprintf("engine exited with code %d: %s", exitCode, reason))
}

func firstLine(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line
		}
	}
	return ""
}
