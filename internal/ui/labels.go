package ui

import (
	"errors"
	"fmt"
	"strings"

	"xraytun/internal/state"
)

// toggleLabel возвращает подпись кнопки в окне.
func toggleLabel(s state.State) string {
	switch s {
	case state.StateRunning:
		return "Отключить"
	case state.StateStopped:
		return "Подключить"
	}
	return "Подождите..."
}

// trayLabel возвращает подпись пункта меню трея.
func trayLabel(s state.State) string {
	switch s {
	case state.StateRunning:
		return "Stop VPN"
	case state.StateStopped:
		return "Start VPN"
	}
	return "Busy..."
}

// stateText описывает снимок для строки статуса.
func stateText(snap state.Snapshot) string {
	switch snap.State {
	case state.StateRunning:
		return "Подключено"
	case state.StateStarting:
		return "Подключение..."
	case state.StateStopping:
		return "Отключение..."
	case state.StateFailed:
		return "Ошибка"
	}
	return "Отключено"
}

// profileRow формирует строку списка профилей.
func profileRow(name string, selected, active bool) string {
	mark := "○"
	if selected {
		mark = "●"
	}
	if active {
		return fmt.Sprintf("%s %s (активен)", mark, name)
	}
	return fmt.Sprintf("%s %s", mark, name)
}

// userMessage переводит ошибки контроллера в текст для диалога.
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *state.Error
	if errors.As(err, &se) {
		detail := se.Message
		if se.Err != nil {
			detail = strings.TrimSpace(strings.Join([]string{detail, se.Err.Error()}, " "))
		}
		switch se.Kind {
		case state.KindInvalidConfig:
			return "Конфигурация некорректна: " + detail
		case state.KindTimeout:
			return "Превышено время ожидания: " + detail
		case state.KindEngineFailure:
			return "Ошибка движка: " + detail
		case state.KindBusy:
			return "Операция уже выполняется"
		case state.KindAlreadyInState:
			return "Состояние уже установлено"
		}
	}
	return err.Error()
}
