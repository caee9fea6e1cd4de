// Команда xraytunctl управляет запущенным приложением через IPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xraytun/internal/config"
	"xraytun/internal/ipc"
	"xraytun/internal/state"
)

const requester state.ObserverID = "cli"

// Коды выхода по видам ошибок контроллера.
const (
	exitOK             = 0
	exitFailure        = 1
	exitUsage          = 2
	exitInvalidConfig  = 3
	exitTimeout        = 4
	exitEngineFailure  = 5
	exitBusy           = 6
	exitAlreadyInState = 7
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("xraytunctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config.yaml")
	address := fs.String("address", "", "IPC address (overrides config)")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: xraytunctl [flags] start|stop|toggle|status|watch|version")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	addr, err := resolveAddress(*configPath, *address)
	if err != nil {
		fmt.Fprintf(stderr, "xraytunctl: %v\n", err)
		return exitFailure
	}
	client, err := ipc.Dial(addr, requester)
	if err != nil {
		fmt.Fprintf(stderr, "xraytunctl: %v\n", err)
		return exitFailure
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := fs.Arg(0)
	if cmd == "watch" {
		err := client.Watch(ctx, func(snap state.Snapshot) {
			printSnapshot(stdout, snap)
		})
		return report(stderr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	var snap state.Snapshot
	switch cmd {
	case "start":
		snap, err = client.Start(ctx)
	case "stop":
		snap, err = client.Stop(ctx)
	case "toggle":
		snap, err = client.Toggle(ctx)
	case "status":
		snap, err = client.State(ctx)
	case "version":
		v, err := client.Version(ctx)
		if err == nil {
			fmt.Fprintf(stdout, "app:    %s\nengine: %s\n", v.App, v.Engine)
		}
		return report(stderr, err)
	default:
		fs.Usage()
		return exitUsage
	}
	if err != nil {
		return report(stderr, err)
	}
	printSnapshot(stdout, snap)
	return exitOK
}

func resolveAddress(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	appDir, err := config.DetectAppDir()
	if err != nil {
		return "", fmt.Errorf("determine app directory: %w", err)
	}
	if configPath == "" {
		configPath = config.DefaultPath(appDir)
	}
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return config.DefaultIPCAddress(appDir), nil
	}
	cfg, err := config.Load(configPath, appDir)
	if err != nil {
		return "", err
	}
	if cfg.IPC.Disabled {
		return "", errors.New("ipc is disabled in config")
	}
	return cfg.IPC.Address, nil
}

func printSnapshot(w io.Writer, snap state.Snapshot) {
	line := string(snap.State)
	if snap.ActiveProfileID != "" {
		line += " profile=" + snap.ActiveProfileID
	}
	if snap.RequestedBy != "" {
		line += " by=" + string(snap.RequestedBy)
	}
	if snap.LastError != "" {
		line += fmt.Sprintf(" error=%q", snap.LastError)
	}
	fmt.Fprintln(w, line)
}

func report(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(w, "xraytunctl: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch state.KindOf(err) {
	case state.KindInvalidConfig:
		return exitInvalidConfig
	case state.KindTimeout:
		return exitTimeout
	case state.KindEngineFailure:
		return exitEngineFailure
	case state.KindBusy:
		return exitBusy
	case state.KindAlreadyInState:
		return exitAlreadyInState
	}
	return exitFailure
}
