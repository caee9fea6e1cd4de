package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"xraytun/internal/fsutil"
)

var (
	// ErrNotFound возвращается, если профиль с указанным ID отсутствует.
	ErrNotFound = errors.New("profile not found")
	// ErrInvalid возвращается при попытке сохранить профиль без имени или конфигурации.
	ErrInvalid = errors.New("profile is invalid")
)

// Profile описывает сохранённую конфигурацию движка, выбираемую пользователем.
type Profile struct {
	ID     string `yaml:"id"`
	Index  int    `yaml:"index"`
	Name   string `yaml:"name"`
	Config string `yaml:"config"`
}

type document struct {
	Profiles []Profile `yaml:"profiles"`
}

// Store хранит упорядоченный список профилей в YAML-файле.
// Индексы всегда образуют плотную перестановку [0, count).
type Store struct {
	path string
	mu   sync.RWMutex
}

// NewStore создаёт хранилище профилей по указанному пути.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// List возвращает профили в порядке индексов.
func (s *Store) List() ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

// Find возвращает профиль по ID.
func (s *Store) Find(id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	if idx := indexOf(list, id); idx >= 0 {
		return list[idx], nil
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Save создаёт профиль (пустой ID) в начале списка или обновляет имя и конфигурацию
// существующего. Возвращает ID профиля.
func (s *Store) Save(p Profile) (string, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalid)
	}
	if strings.TrimSpace(p.Config) == "" {
		return "", fmt.Errorf("%w: config is empty", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return "", err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.Index = 0
		for i := range list {
			list[i].Index++
		}
		list = append([]Profile{p}, list...)
		return p.ID, s.store(list)
	}
	idx := indexOf(list, p.ID)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	list[idx].Name = p.Name
	list[idx].Config = p.Config
	return p.ID, s.store(list)
}

// Delete удаляет профиль, не трогая индексы остальных. Вызывающий обязан
// выполнить ReindexAfterDelete с индексом удалённого профиля.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return err
	}
	idx := indexOf(list, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	list = append(list[:idx], list[idx+1:]...)
	return s.store(list)
}

// ReindexAfterDelete сдвигает индексы профилей, стоявших после удалённого.
func (s *Store) ReindexAfterDelete(removedIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].Index > removedIndex {
			list[i].Index--
		}
	}
	return s.store(list)
}

// Remove удаляет профиль и переиндексирует список одной операцией.
func (s *Store) Remove(id string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	idx := indexOf(list, id)
	if idx < 0 {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	removed := list[idx]
	list = append(list[:idx], list[idx+1:]...)
	for i := range list {
		if list[i].Index > removed.Index {
			list[i].Index--
		}
	}
	return removed, s.store(list)
}

// Move переносит профиль с позиции from на позицию to.
func (s *Store) Move(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return err
	}
	if from < 0 || from >= len(list) || to < 0 || to >= len(list) {
		return fmt.Errorf("move %d -> %d: index out of range [0, %d)", from, to, len(list))
	}
	if from == to {
		return nil
	}
	moved := list[from]
	list = append(list[:from], list[from+1:]...)
	list = append(list[:to], append([]Profile{moved}, list[to:]...)...)
	for i := range list {
		list[i].Index = i
	}
	return s.store(list)
}

func (s *Store) load() ([]Profile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", s.path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode profiles %s: %w", s.path, err)
	}
	sort.SliceStable(doc.Profiles, func(i, j int) bool {
		return doc.Profiles[i].Index < doc.Profiles[j].Index
	})
	return doc.Profiles, nil
}

func (s *Store) store(list []Profile) error {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	data, err := yaml.Marshal(document{Profiles: list})
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	return nil
}

func indexOf(list []Profile, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
