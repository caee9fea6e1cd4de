// Package dns назначает DNS-серверы интерфейсу TUN на время сессии.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"xraytun/internal/logging"
)

// ErrUnsupported возвращается на платформах без реализации.
var ErrUnsupported = errors.New("dns configuration is not supported on this platform")

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

type command struct {
	name string
	args []string
}

// Manager выполняет системные команды для настройки DNS интерфейса.
type Manager struct {
	logger *logging.Logger
	run    runner
	set    func(iface string, servers []netip.Addr) ([]command, error)
	reset  func(iface string) ([]command, error)
}

// NewManager создаёт менеджер для текущей ОС.
func NewManager(logger *logging.Logger) *Manager {
	m := &Manager{logger: logger, run: execRunner}
	m.set, m.reset = platformCommands()
	return m
}

// SetInterfaceDNS назначает серверы интерфейсу iface.
func (m *Manager) SetInterfaceDNS(ctx context.Context, iface string, servers []netip.Addr) error {
	if strings.TrimSpace(iface) == "" {
		return fmt.Errorf("interface alias is empty")
	}
	if len(servers) == 0 {
		return fmt.Errorf("dns servers are empty")
	}
	commands, err := m.set(iface, servers)
	if err != nil {
		return err
	}
	return m.runAll(ctx, commands)
}

// Reset возвращает интерфейсу DNS по умолчанию.
func (m *Manager) Reset(ctx context.Context, iface string) error {
	if strings.TrimSpace(iface) == "" {
		return fmt.Errorf("interface alias is empty")
	}
	commands, err := m.reset(iface)
	if err != nil {
		return err
	}
	return m.runAll(ctx, commands)
}

func (m *Manager) runAll(ctx context.Context, commands []command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, cmd := range commands {
		output, err := m.run(ctx, cmd.name, cmd.args...)
		if err != nil {
			trimmed := strings.TrimSpace(string(output))
			if trimmed != "" {
				return fmt.Errorf("%s failed: %s", cmd.name, trimmed)
			}
			return fmt.Errorf("%s failed: %w", cmd.name, err)
		}
		m.logger.Debugf("%s %s", cmd.name, strings.Join(cmd.args, " "))
	}
	return nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	applyCommandAttributes(cmd)
	return cmd.CombinedOutput()
}

func powershell(script string) command {
	return command{name: "powershell.exe", args: []string{"-NoProfile", "-NonInteractive", "-Command", script}}
}

func powershellSet(iface string, servers []netip.Addr) ([]command, error) {
	serverList := make([]string, 0, len(servers))
	for _, server := range servers {
		serverList = append(serverList, fmt.Sprintf("'%s'", server))
	}
	script := fmt.Sprintf(
		"Set-DnsClientServerAddress -InterfaceAlias '%s' -ServerAddresses @(%s) -ErrorAction Stop | Out-Null",
		escapeSingleQuotes(iface),
		strings.Join(serverList, ","),
	)
	return []command{powershell(script)}, nil
}

func powershellReset(iface string) ([]command, error) {
	script := fmt.Sprintf(
		"Set-DnsClientServerAddress -InterfaceAlias '%s' -ResetServerAddresses -ErrorAction SilentlyContinue | Out-Null",
		escapeSingleQuotes(iface),
	)
	return []command{powershell(script)}, nil
}

func resolvectlSet(iface string, servers []netip.Addr) ([]command, error) {
	args := []string{"dns", iface}
	for _, server := range servers {
		args = append(args, server.String())
	}
	return []command{
		{name: "resolvectl", args: args},
		{name: "resolvectl", args: []string{"domain", iface, "~."}},
	}, nil
}

func resolvectlReset(iface string) ([]command, error) {
	return []command{{name: "resolvectl", args: []string{"revert", iface}}}, nil
}

func unsupportedSet(string, []netip.Addr) ([]command, error) { return nil, ErrUnsupported }

func unsupportedReset(string) ([]command, error) { return nil, ErrUnsupported }

func escapeSingleQuotes(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}
