package routes

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"xraytun/internal/logging"
)

// ErrUnsupported возвращается на платформах без реализации управления маршрутами.
var ErrUnsupported = errors.New("routing is not supported on this platform")

// Runner выполняет системную команду и возвращает её вывод.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

type command struct {
	name string
	args []string
}

func (c command) String() string {
	return c.name + " " + strings.Join(c.args, " ")
}

// platform строит команды для конкретной ОС.
type platform interface {
	addRoute(dest netip.Prefix, via Gateway) (command, error)
	deleteRoute(record Record) (command, error)
	configureInterface(name string, addrs []netip.Prefix, mtu int) ([]command, error)
	decode(output []byte) string
	onLinkNeedsGateway() bool
}

// Manager добавляет и удаляет маршруты системными утилитами (route.exe, netsh, ip).
type Manager struct {
	logger   *logging.Logger
	run      Runner
	platform platform
	registry *Registry
}

// NewManager создаёт менеджер маршрутов для текущей ОС.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		logger:   logger,
		run:      execRunner,
		platform: defaultPlatform(),
		registry: NewRegistry(),
	}
}

// Registry возвращает реестр добавленных маршрутов.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// ConfigureInterface назначает адреса и MTU интерфейсу TUN.
func (m *Manager) ConfigureInterface(ctx context.Context, name string, addrs []netip.Prefix, mtu int) error {
	commands, err := m.platform.configureInterface(name, addrs, mtu)
	if err != nil {
		return err
	}
	for _, cmd := range commands {
		if err := m.runCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// AddRoute добавляет маршрут до dest через via и регистрирует его.
func (m *Manager) AddRoute(ctx context.Context, dest netip.Prefix, via Gateway, kind Kind) (Record, error) {
	if !dest.IsValid() {
		return Record{}, fmt.Errorf("destination prefix is invalid")
	}
	dest = dest.Masked()
	if via.Metric <= 0 {
		via.Metric = 1
	}
	cmd, err := m.platform.addRoute(dest, via)
	if err != nil {
		return Record{}, err
	}
	if err := m.runCommand(ctx, cmd); err != nil {
		return Record{}, err
	}
	record := Record{
		ID:             fmt.Sprintf("%s-%s-%d", kind, dest, time.Now().UnixNano()),
		Destination:    dest,
		Interface:      via.Interface,
		InterfaceIndex: via.InterfaceIndex,
		Metric:         via.Metric,
		Kind:           kind,
		CreatedAt:      time.Now(),
	}
	if !via.OnLink || m.platform.onLinkNeedsGateway() {
		record.Gateway = via.IP
	}
	m.registry.Upsert(record)
	return record, nil
}

// RemoveRoute удаляет ранее добавленный маршрут.
func (m *Manager) RemoveRoute(ctx context.Context, record Record) error {
	if !record.Destination.IsValid() {
		return fmt.Errorf("route destination is empty")
	}
	if record.Destination.Bits() == 0 && !record.Gateway.IsValid() && record.Interface == "" {
		return fmt.Errorf("refusing to delete default route without gateway")
	}
	cmd, err := m.platform.deleteRoute(record)
	if err != nil {
		return err
	}
	if err := m.runCommand(ctx, cmd); err != nil {
		return err
	}
	m.registry.Remove(record.ID)
	return nil
}

// RemoveAll снимает все зарегистрированные маршруты указанных типов, начиная с последних.
func (m *Manager) RemoveAll(ctx context.Context, kinds ...Kind) error {
	var errs []error
	for _, record := range m.registry.ListByKinds(kinds...) {
		if err := m.RemoveRoute(ctx, record); err != nil {
			m.logger.Warnf("remove route %s: %v", record.Destination, err)
			m.registry.Remove(record.ID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) runCommand(ctx context.Context, cmd command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	output, err := m.run(ctx, cmd.name, cmd.args...)
	decoded := strings.TrimSpace(m.platform.decode(output))
	if err != nil {
		if decoded != "" {
			return fmt.Errorf("%s failed: %s", cmd, decoded)
		}
		return fmt.Errorf("%s failed: %w", cmd, err)
	}
	if decoded != "" {
		m.logger.Debugf("%s -> %s", cmd, decoded)
	}
	return nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	applyCommandAttributes(cmd)
	return cmd.CombinedOutput()
}

func decodeOEMText(output []byte) string {
	if len(output) == 0 {
		return ""
	}
	decoded, err := charmap.CodePage866.NewDecoder().Bytes(output)
	if err != nil {
		return string(output)
	}
	return string(decoded)
}
