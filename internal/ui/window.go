package ui

import (
	"context"
	"errors"
	"fmt"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	"xraytun/internal/profile"
	"xraytun/internal/state"
)

func (m *Manager) buildMainWindow() {
	win := m.app.NewWindow(m.appName)
	win.Resize(fyne.NewSize(560, 640))
	m.mainWin = win

	m.statusCircle = canvas.NewCircle(theme.Color(theme.ColorNameDisabled))
	m.statusCircle.Resize(fyne.NewSize(14, 14))
	m.statusLabel = widget.NewLabel(stateText(m.snap))
	m.errorLabel = widget.NewLabel("")
	m.errorLabel.Wrapping = fyne.TextWrapWord
	m.errorLabel.Importance = widget.DangerImportance
	m.spinner = widget.NewProgressBarInfinite()
	m.spinner.Hide()

	m.toggleBtn = widget.NewButtonWithIcon(toggleLabel(state.StateStopped), theme.MediaPlayIcon(), func() {
		m.toggle(observerWindow)
	})
	m.toggleBtn.Importance = widget.HighImportance

	m.pingLabel = widget.NewLabel("")
	m.pingBtn = widget.NewButton("Пинг", m.handlePing)
	m.pingBtn.Disable()
	m.versionLabel = widget.NewLabel("")
	m.versionLabel.Importance = widget.LowImportance

	m.profileList = widget.NewList(
		func() int { return len(m.profiles) },
		func() fyne.CanvasObject { return widget.NewLabel("") },
		func(id widget.ListItemID, obj fyne.CanvasObject) {
			label := obj.(*widget.Label)
			if id < 0 || id >= len(m.profiles) {
				label.SetText("")
				return
			}
			p := m.profiles[id]
			active := m.snap.State != state.StateStopped && m.snap.ActiveProfileID == p.ID
			label.SetText(profileRow(p.Name, p.ID == m.selected, active))
		},
	)
	m.profileList.OnSelected = func(id widget.ListItemID) {
		m.profileList.UnselectAll()
		if id < 0 || id >= len(m.profiles) {
			return
		}
		m.handleSelect(m.profiles[id].ID)
	}

	addBtn := widget.NewButtonWithIcon("", theme.ContentAddIcon(), func() { m.showProfileDialog(profile.Profile{}) })
	importBtn := widget.NewButtonWithIcon("Импорт", theme.DownloadIcon(), m.showImportDialog)
	editBtn := widget.NewButtonWithIcon("", theme.DocumentCreateIcon(), func() {
		if p, ok := m.selectedProfile(); ok {
			m.showProfileDialog(p)
		}
	})
	deleteBtn := widget.NewButtonWithIcon("", theme.DeleteIcon(), m.handleDelete)
	upBtn := widget.NewButtonWithIcon("", theme.MoveUpIcon(), func() { m.handleMove(-1) })
	downBtn := widget.NewButtonWithIcon("", theme.MoveDownIcon(), func() { m.handleMove(1) })
	settingsBtn := widget.NewButtonWithIcon("", theme.SettingsIcon(), m.showSettingsDialog)
	assetsBtn := widget.NewButton("Обновить geo-файлы", m.handleAssets)
	m.editBtns = []*widget.Button{editBtn, deleteBtn, upBtn, downBtn}

	statusBar := container.NewHBox(m.statusCircle, m.statusLabel, layout.NewSpacer(), m.spinner)
	header := container.NewVBox(statusBar, m.errorLabel)
	toolbar := container.NewHBox(addBtn, importBtn, editBtn, deleteBtn, upBtn, downBtn, layout.NewSpacer(), settingsBtn)
	profiles := widget.NewCard("Профили", "", container.NewBorder(toolbar, nil, nil, nil, m.profileList))
	footer := container.NewVBox(
		m.toggleBtn,
		container.NewHBox(m.pingBtn, m.pingLabel, layout.NewSpacer(), assetsBtn),
		m.versionLabel,
	)
	win.SetContent(container.NewPadded(container.NewBorder(header, footer, nil, nil, profiles)))
}

func (m *Manager) selectedProfile() (profile.Profile, bool) {
	for _, p := range m.profiles {
		if p.ID == m.selected {
			return p, true
		}
	}
	dialog.ShowInformation(m.appName, "Сначала выберите профиль", m.mainWin)
	return profile.Profile{}, false
}

func (m *Manager) handleSelect(id string) {
	m.async("select", func(context.Context) {
		if _, err := m.backend.Select(id); err != nil {
			m.ShowError(err)
		}
		m.reloadProfiles()
	})
}

func (m *Manager) handleMove(delta int) {
	from := -1
	for i, p := range m.profiles {
		if p.ID == m.selected {
			from = i
		}
	}
	to := from + delta
	if from < 0 || to < 0 || to >= len(m.profiles) {
		return
	}
	m.async("move", func(context.Context) {
		if err := m.backend.MoveProfile(from, to); err != nil {
			m.ShowError(err)
		}
		m.reloadProfiles()
	})
}

func (m *Manager) handleDelete() {
	p, ok := m.selectedProfile()
	if !ok {
		return
	}
	dialog.ShowConfirm("Удаление", fmt.Sprintf("Удалить профиль %q?", p.Name), func(confirmed bool) {
		if !confirmed {
			return
		}
		m.async("delete", func(context.Context) {
			if err := m.backend.DeleteProfile(p.ID); err != nil {
				m.ShowError(err)
			}
			m.reloadProfiles()
		})
	}, m.mainWin)
}

func (m *Manager) handlePing() {
	m.pingLabel.SetText("Проверка...")
	m.async("ping", func(ctx context.Context) {
		res, err := m.backend.Ping(ctx)
		text := res.String()
		if err != nil {
			text = err.Error()
		}
		m.callOnUI(func() { m.pingLabel.SetText(text) })
	})
}

func (m *Manager) handleAssets() {
	m.async("assets", func(ctx context.Context) {
		if err := m.backend.UpdateAssets(ctx); err != nil {
			m.ShowError(err)
			return
		}
		m.callOnUI(func() {
			dialog.ShowInformation(m.appName, "geoip.dat и geosite.dat обновлены", m.mainWin)
		})
	})
}

func (m *Manager) showImportDialog() {
	entry := widget.NewMultiLineEntry()
	entry.SetPlaceHolder("https://... или JSON-конфигурация")
	entry.SetMinRowsVisible(4)
	if clip := m.app.Clipboard(); clip != nil {
		entry.SetText(clip.Content())
	}
	items := []*widget.FormItem{widget.NewFormItem("Ссылка", entry)}
	dlg := dialog.NewForm("Импорт профиля", "Импорт", "Отмена", items, func(ok bool) {
		if !ok {
			return
		}
		text := entry.Text
		m.async("import", func(ctx context.Context) {
			p, err := m.backend.Import(ctx, text)
			if err != nil {
				m.ShowError(err)
				return
			}
			m.logger.Infof("profile %q imported", p.Name)
			m.reloadProfiles()
		})
	}, m.mainWin)
	dlg.Resize(fyne.NewSize(480, 260))
	dlg.Show()
}

func (m *Manager) showProfileDialog(p profile.Profile) {
	name := widget.NewEntry()
	name.SetText(p.Name)
	config := widget.NewMultiLineEntry()
	config.SetText(p.Config)
	config.SetMinRowsVisible(16)
	config.TextStyle = fyne.TextStyle{Monospace: true}

	title := "Новый профиль"
	if p.ID != "" {
		title = "Профиль"
	}
	items := []*widget.FormItem{
		widget.NewFormItem("Имя", name),
		widget.NewFormItem("Конфигурация", config),
	}
	dlg := dialog.NewForm(title, "Сохранить", "Отмена", items, func(ok bool) {
		if !ok {
			return
		}
		edited := profile.Profile{ID: p.ID, Name: name.Text, Config: config.Text}
		m.async("save profile", func(ctx context.Context) {
			if _, err := m.backend.SaveProfile(ctx, edited); err != nil {
				if errors.Is(err, profile.ErrInvalid) {
					m.ShowError(fmt.Errorf("заполните имя и конфигурацию: %w", err))
					return
				}
				m.ShowError(err)
				return
			}
			m.reloadProfiles()
		})
	}, m.mainWin)
	dlg.Resize(fyne.NewSize(520, 560))
	dlg.Show()
}
