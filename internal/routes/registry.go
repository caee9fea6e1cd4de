package routes

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Gateway описывает маршрут по умолчанию физического интерфейса.
type Gateway struct {
	IP             netip.Addr
	Interface      string
	InterfaceIndex int
	Metric         int
	// OnLink означает маршрут прямо в интерфейс (TUN): IP используется только там,
	// где утилите обязательно нужен шлюз.
	OnLink bool
}

// Kind классифицирует маршруты в Registry.
type Kind string

const (
	// KindBypass обозначает host-маршрут до сервера мимо туннеля.
	KindBypass Kind = "Bypass"
	// KindTunnel обозначает маршрут в TUN-интерфейс.
	KindTunnel Kind = "Tunnel"
)

// Record описывает один добавленный маршрут.
type Record struct {
	ID             string
	Destination    netip.Prefix
	Gateway        netip.Addr
	Interface      string
	InterfaceIndex int
	Metric         int
	Kind           Kind
	CreatedAt      time.Time
}

// Registry хранит добавленные маршруты, чтобы снять их при закрытии туннеля.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]Record
}

// NewRegistry создаёт пустой реестр маршрутов.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]Record)}
}

// Upsert обновляет или добавляет запись маршрута.
func (r *Registry) Upsert(record Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	r.routes[record.ID] = record
}

// Remove удаляет запись маршрута по ID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, id)
}

// ListByKinds возвращает записи указанных типов от новых к старым.
// Если список kinds пуст, возвращаются все маршруты.
func (r *Registry) ListByKinds(kinds ...Kind) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	out := make([]Record, 0, len(r.routes))
	for _, record := range r.routes {
		if len(set) > 0 {
			if _, ok := set[record.Kind]; !ok {
				continue
			}
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
