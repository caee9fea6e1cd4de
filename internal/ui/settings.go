package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"xraytun/internal/settings"
)

// settingsForm связывает поля формы с Settings.
type settingsForm struct {
	socksAddress, socksPort, socksUser, socksPass     *widget.Entry
	socksUDP, bypassLAN, enableIPv6                   *widget.Check
	dns1, dns2, dns1v6, dns2v6                        *widget.Entry
	pingAddress, pingTimeout, geoIP, geoSite          *widget.Entry
	tunName, tunMTU, tunAddr, tunPrefix, tunAddr6     *widget.Entry
	tunPrefix6, excludedApps                          *widget.Entry
}

func newEntry(value string) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(value)
	return e
}

func newIntEntry(value int) *widget.Entry {
	return newEntry(strconv.Itoa(value))
}

func newSettingsForm(s settings.Settings) *settingsForm {
	f := &settingsForm{
		socksAddress: newEntry(s.SocksAddress),
		socksPort:    newIntEntry(s.SocksPort),
		socksUser:    newEntry(s.SocksUsername),
		socksPass:    widget.NewPasswordEntry(),
		socksUDP:     widget.NewCheck("UDP", nil),
		bypassLAN:    widget.NewCheck("Не заворачивать локальную сеть", nil),
		enableIPv6:   widget.NewCheck("IPv6", nil),
		dns1:         newEntry(s.PrimaryDNS),
		dns2:         newEntry(s.SecondaryDNS),
		dns1v6:       newEntry(s.PrimaryDNSv6),
		dns2v6:       newEntry(s.SecondaryDNSv6),
		pingAddress:  newEntry(s.PingAddress),
		pingTimeout:  newIntEntry(s.PingTimeout),
		geoIP:        newEntry(s.GeoIPAddress),
		geoSite:      newEntry(s.GeoSiteAddress),
		tunName:      newEntry(s.TunName),
		tunMTU:       newIntEntry(s.TunMTU),
		tunAddr:      newEntry(s.TunAddress),
		tunPrefix:    newIntEntry(s.TunPrefix),
		tunAddr6:     newEntry(s.TunAddressV6),
		tunPrefix6:   newIntEntry(s.TunPrefixV6),
		excludedApps: widget.NewMultiLineEntry(),
	}
	f.socksPass.SetText(s.SocksPassword)
	f.socksUDP.SetChecked(s.SocksUDP)
	f.bypassLAN.SetChecked(s.BypassLAN)
	f.enableIPv6.SetChecked(s.EnableIPv6)
	f.excludedApps.SetText(strings.Join(s.ExcludedApps, "\n"))
	return f
}

func (f *settingsForm) items() []*widget.FormItem {
	return []*widget.FormItem{
		widget.NewFormItem("SOCKS адрес", f.socksAddress),
		widget.NewFormItem("SOCKS порт", f.socksPort),
		widget.NewFormItem("SOCKS логин", f.socksUser),
		widget.NewFormItem("SOCKS пароль", f.socksPass),
		widget.NewFormItem("", container.NewHBox(f.socksUDP, f.enableIPv6, f.bypassLAN)),
		widget.NewFormItem("DNS", f.dns1),
		widget.NewFormItem("DNS резервный", f.dns2),
		widget.NewFormItem("DNS IPv6", f.dns1v6),
		widget.NewFormItem("DNS IPv6 резервный", f.dns2v6),
		widget.NewFormItem("Адрес пинга", f.pingAddress),
		widget.NewFormItem("Таймаут пинга, с", f.pingTimeout),
		widget.NewFormItem("geoip.dat", f.geoIP),
		widget.NewFormItem("geosite.dat", f.geoSite),
		widget.NewFormItem("TUN имя", f.tunName),
		widget.NewFormItem("TUN MTU", f.tunMTU),
		widget.NewFormItem("TUN адрес", f.tunAddr),
		widget.NewFormItem("TUN префикс", f.tunPrefix),
		widget.NewFormItem("TUN адрес IPv6", f.tunAddr6),
		widget.NewFormItem("TUN префикс IPv6", f.tunPrefix6),
		widget.NewFormItem("Исключённые приложения", f.excludedApps),
	}
}

// apply переносит значения формы в base. Числовые поля проверяются здесь,
// адреса проверяет сборщик конфигурации при старте.
func (f *settingsForm) apply(base settings.Settings) (settings.Settings, error) {
	ints := []struct {
		name  string
		entry *widget.Entry
		dst   *int
	}{
		{"SOCKS порт", f.socksPort, &base.SocksPort},
		{"таймаут пинга", f.pingTimeout, &base.PingTimeout},
		{"TUN MTU", f.tunMTU, &base.TunMTU},
		{"TUN префикс", f.tunPrefix, &base.TunPrefix},
		{"TUN префикс IPv6", f.tunPrefix6, &base.TunPrefixV6},
	}
	for _, field := range ints {
		v, err := strconv.Atoi(strings.TrimSpace(field.entry.Text))
		if err != nil {
			return base, fmt.Errorf("%s: ожидается число", field.name)
		}
		*field.dst = v
	}
	base.SocksAddress = strings.TrimSpace(f.socksAddress.Text)
	base.SocksUsername = strings.TrimSpace(f.socksUser.Text)
	base.SocksPassword = f.socksPass.Text
	base.SocksUDP = f.socksUDP.Checked
	base.BypassLAN = f.bypassLAN.Checked
	base.EnableIPv6 = f.enableIPv6.Checked
	base.PrimaryDNS = strings.TrimSpace(f.dns1.Text)
	base.SecondaryDNS = strings.TrimSpace(f.dns2.Text)
	base.PrimaryDNSv6 = strings.TrimSpace(f.dns1v6.Text)
	base.SecondaryDNSv6 = strings.TrimSpace(f.dns2v6.Text)
	base.PingAddress = strings.TrimSpace(f.pingAddress.Text)
	base.GeoIPAddress = strings.TrimSpace(f.geoIP.Text)
	base.GeoSiteAddress = strings.TrimSpace(f.geoSite.Text)
	base.TunName = strings.TrimSpace(f.tunName.Text)
	base.TunAddress = strings.TrimSpace(f.tunAddr.Text)
	base.TunAddressV6 = strings.TrimSpace(f.tunAddr6.Text)
	base.ExcludedApps = base.ExcludedApps[:0:0]
	for _, line := range strings.Split(f.excludedApps.Text, "\n") {
		if app := strings.TrimSpace(line); app != "" {
			base.ExcludedApps = append(base.ExcludedApps, app)
		}
	}
	return base, nil
}

func (m *Manager) showSettingsDialog() {
	current, err := m.backend.Settings()
	if err != nil {
		m.ShowError(err)
		return
	}
	form := newSettingsForm(current)
	dlg := dialog.NewForm("Настройки", "Сохранить", "Отмена", form.items(), func(ok bool) {
		if !ok {
			return
		}
		updated, err := form.apply(current)
		if err != nil {
			dialog.ShowError(err, m.mainWin)
			return
		}
		m.async("save settings", func(context.Context) {
			if err := m.backend.SaveSettings(updated); err != nil {
				m.ShowError(err)
			}
		})
	}, m.mainWin)
	dlg.Resize(fyne.NewSize(560, 720))
	dlg.Show()
}
