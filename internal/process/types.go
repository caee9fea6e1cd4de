package process

import (
	"sync"
	"time"
)

// Name идентифицирует дочерний процесс.
type Name string

const (
	// NameCore обозначает процесс xray-core.
	NameCore Name = "Core"
)

// Status описывает статус отслеживаемого процесса.
type Status string

const (
	StatusRunning Status = "Running"
	StatusExited  Status = "Exited"
	StatusFailed  Status = "Failed"
)

// Record хранит сведения о дочернем процессе.
type Record struct {
	Name       Name
	Command    string
	Args       []string
	PID        int
	StartedAt  time.Time
	ExitedAt   *time.Time
	Status     Status
	ExitCode   *int
	ExitReason string
}

// Registry хранит последние известные записи процессов.
type Registry struct {
	mu      sync.RWMutex
	records map[Name]Record
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{records: make(map[Name]Record)}
}

// Update заменяет запись по имени процесса.
func (r *Registry) Update(record Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.Name] = record
}

// Get возвращает запись процесса, если она существует.
func (r *Registry) Get(name Name) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[name]
	return record, ok
}
