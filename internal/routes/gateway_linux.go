//go:build linux

package routes

import (
	"context"
	"fmt"
)

// DefaultGateway разбирает вывод `ip route show default`, пропуская интерфейс exclude.
func (m *Manager) DefaultGateway(ctx context.Context, v6 bool, exclude string) (Gateway, error) {
	family := "-4"
	if v6 {
		family = "-6"
	}
	out, err := m.run(ctx, "ip", family, "route", "show", "default")
	if err != nil {
		return Gateway{}, fmt.Errorf("ip %s route show default: %w", family, err)
	}
	return parseDefaultRoute(string(out), exclude)
}
