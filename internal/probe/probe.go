// Package probe измеряет задержку HTTP-запроса через локальный SOCKS-вход движка.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"xraytun/internal/settings"
)

// Result описывает результат замера.
type Result struct {
	Delay time.Duration
	Err   error
}

// String возвращает "<n> ms" или текст ошибки.
func (r Result) String() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("%d ms", r.Delay.Milliseconds())
}

// Prober выполняет замеры по текущим настройкам.
type Prober struct {
	dial func(address string, auth *proxy.Auth) (proxy.ContextDialer, error)
}

// New создаёт Prober поверх golang.org/x/net/proxy.
func New() *Prober {
	return &Prober{dial: socks5}
}

func socks5(address string, auth *proxy.Auth) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", address, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// Measure выполняет GET ping_address через SOCKS-вход с таймаутом ping_timeout секунд.
func (p *Prober) Measure(ctx context.Context, s settings.Settings) Result {
	timeout := time.Duration(s.PingTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var auth *proxy.Auth
	if s.SocksUsername != "" {
		auth = &proxy.Auth{User: s.SocksUsername, Password: s.SocksPassword}
	}
	address := net.JoinHostPort(s.SocksAddress, strconv.Itoa(s.SocksPort))
	dialer, err := p.dial(address, auth)
	if err != nil {
		return Result{Err: err}
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.PingAddress, nil)
	if err != nil {
		return Result{Err: err}
	}
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Err: fmt.Errorf("timeout after %s", timeout)}
		}
		return Result{Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return Result{Delay: time.Since(started)}
}
