package ui

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"xraytun/internal/state"
)

func TestTrayLabelFollowsState(t *testing.T) {
	assert.Equal(t, "Start VPN", trayLabel(state.StateStopped))
	assert.Equal(t, "Stop VPN", trayLabel(state.StateRunning))
	assert.Equal(t, "Busy...", trayLabel(state.StateStarting))
	assert.Equal(t, "Busy...", trayLabel(state.StateStopping))
	assert.Equal(t, "Busy...", trayLabel(state.StateFailed))
}

func TestProfileRow(t *testing.T) {
	assert.Equal(t, "○ Germany", profileRow("Germany", false, false))
	assert.Equal(t, "● Germany (активен)", profileRow("Germany", true, true))
}

func TestUserMessage(t *testing.T) {
	err := &state.Error{Kind: state.KindInvalidConfig, Err: errors.New("inbounds.socks.port: out of range")}
	assert.Equal(t, "Конфигурация некорректна: inbounds.socks.port: out of range", userMessage(err))
	assert.Equal(t, "Операция уже выполняется", userMessage(&state.Error{Kind: state.KindBusy}))
	assert.Equal(t, "plain", userMessage(errors.New("plain")))
	assert.Empty(t, userMessage(nil))
}
