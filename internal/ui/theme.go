package ui

import (
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/theme"

	"xraytun/internal/state"
)

// appTheme смягчает стандартную палитру fyne и задаёт акцентный цвет.
type appTheme struct {
	base fyne.Theme
}

func newAppTheme() fyne.Theme {
	return &appTheme{base: theme.DefaultTheme()}
}

func (t *appTheme) Color(name fyne.ThemeColorName, variant fyne.ThemeVariant) color.Color {
	dark := variant == theme.VariantDark
	switch name {
	case theme.ColorNameBackground:
		if dark {
			return color.NRGBA{R: 28, G: 30, B: 38, A: 255}
		}
		return color.NRGBA{R: 244, G: 244, B: 249, A: 255}
	case theme.ColorNameButton, theme.ColorNamePrimary:
		return color.NRGBA{R: 37, G: 99, B: 235, A: 255}
	case theme.ColorNameInputBackground:
		if dark {
			return color.NRGBA{R: 40, G: 43, B: 54, A: 255}
		}
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	default:
		return t.base.Color(name, variant)
	}
}

func (t *appTheme) Font(style fyne.TextStyle) fyne.Resource {
	return t.base.Font(style)
}

func (t *appTheme) Icon(name fyne.ThemeIconName) fyne.Resource {
	return t.base.Icon(name)
}

func (t *appTheme) Size(name fyne.ThemeSizeName) float32 {
	return t.base.Size(name)
}

// stateColor окрашивает индикатор сессии.
func stateColor(s state.State) color.Color {
	switch s {
	case state.StateRunning:
		return theme.Color(theme.ColorNameSuccess)
	case state.StateStarting, state.StateStopping:
		return theme.Color(theme.ColorNameWarning)
	case state.StateFailed:
		return theme.Color(theme.ColorNameError)
	}
	return theme.Color(theme.ColorNameDisabled)
}
