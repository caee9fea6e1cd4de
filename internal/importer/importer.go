// Package importer создаёт профили из http(s)-ссылок на JSON-конфигурацию
// движка и из JSON-текста, вставленного из буфера обмена.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"xraytun/internal/logging"
	"xraytun/internal/profile"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 4 << 20

	// DefaultName присваивается профилю, импортированному из текста.
	DefaultName = "Imported"
)

// ErrUnsupported возвращается для ссылок, которые не являются ни http(s), ни JSON.
var ErrUnsupported = errors.New("unsupported link")

// Error описывает проблему при импорте.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options позволяет переопределить зависимости импортёра.
type Options struct {
	HTTPClient *http.Client
	Logger     *logging.Logger
	// Token отправляется как Bearer при запросах к серверу профилей.
	Token string
}

// Importer превращает ссылки в профили. Профили не сохраняются: это делает вызывающий.
type Importer struct {
	httpClient *http.Client
	logger     *logging.Logger
	token      string
}

// New создаёт импортёр. Ответы сервера принимаются сжатыми gzip.
func New(opts Options) *Importer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		}
	}
	return &Importer{httpClient: client, logger: opts.Logger, token: opts.Token}
}

// Import разбирает текст: http(s)-ссылку скачивает, JSON-объект принимает как есть.
// Возвращённый профиль ещё не имеет ID.
func (i *Importer) Import(ctx context.Context, text string) (profile.Profile, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return profile.Profile{}, &Error{Op: "import", Err: ErrUnsupported}
	}
	if strings.HasPrefix(text, "{") {
		config, err := normalize([]byte(text))
		if err != nil {
			return profile.Profile{}, &Error{Op: "import", Err: err}
		}
		return profile.Profile{Name: DefaultName, Config: config}, nil
	}
	link, err := url.Parse(text)
	if err != nil {
		return profile.Profile{}, &Error{Op: "import", Err: fmt.Errorf("%w: %v", ErrUnsupported, err)}
	}
	if link.Scheme != "http" && link.Scheme != "https" {
		return profile.Profile{}, &Error{Op: "import", Err: fmt.Errorf("%w: scheme %q", ErrUnsupported, link.Scheme)}
	}
	return i.Fetch(ctx, link)
}

// Fetch скачивает конфигурацию по ссылке и называет профиль по её ремарке.
func (i *Importer) Fetch(ctx context.Context, link *url.URL) (profile.Profile, error) {
	const op = "fetch"
	body, err := i.get(ctx, op, link)
	if err != nil {
		return profile.Profile{}, err
	}
	config, err := normalize(body)
	if err != nil {
		return profile.Profile{}, &Error{Op: op, Err: err}
	}
	name := Remark(link)
	i.logger.Infof("imported profile %q from %s", name, link.Redacted())
	return profile.Profile{Name: name, Config: config}, nil
}

// Summary описывает профиль, опубликованный сервером профилей.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// List возвращает каталог сервера профилей (GET {base}/profiles).
func (i *Importer) List(ctx context.Context, base *url.URL) ([]Summary, error) {
	const op = "list"
	body, err := i.get(ctx, op, base.JoinPath("profiles"))
	if err != nil {
		return nil, err
	}
	var out []Summary
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return out, nil
}

// FetchByID скачивает профиль сервера по идентификатору и называет его по каталогу.
func (i *Importer) FetchByID(ctx context.Context, base *url.URL, s Summary) (profile.Profile, error) {
	link := base.JoinPath("profiles", s.ID)
	p, err := i.Fetch(ctx, link)
	if err != nil {
		return profile.Profile{}, err
	}
	if s.Name != "" {
		p.Name = s.Name
	}
	return p, nil
}

func (i *Importer) get(ctx context.Context, op string, link *url.URL) ([]byte, error) {
	target := *link
	target.Fragment = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
	}
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if len(body) > maxBodySize {
		return nil, &Error{Op: op, Err: fmt.Errorf("response exceeds %d bytes", maxBodySize)}
	}
	return body, nil
}

// normalize проверяет, что текст является JSON-объектом, и переформатирует его с отступом 2.
func normalize(data []byte) (string, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return "", fmt.Errorf("config is not a JSON object: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(data), "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Remark выбирает имя профиля: фрагмент ссылки, затем последний сегмент пути без расширения, затем хост.
func Remark(link *url.URL) string {
	if name := strings.TrimSpace(link.Fragment); name != "" {
		return name
	}
	if base := path.Base(link.Path); base != "/" && base != "." {
		if name := strings.TrimSuffix(base, path.Ext(base)); name != "" {
			return name
		}
	}
	return link.Hostname()
}
