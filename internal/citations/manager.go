package citations

import (
	"sync"

	"go.uber.org/zap"
)

// Manager holds one registry per in-flight query. Registries live from the
// first retrieval of a query until its dossier is finalized or abandoned;
// Drop releases them.
type Manager struct {
	mu      sync.Mutex
	byQuery map[string]*Registry
	fetcher SpanFetcher
	logger  *zap.Logger
}

func NewManager(fetcher SpanFetcher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		byQuery: make(map[string]*Registry),
		fetcher: fetcher,
		logger:  logger,
	}
}

// ForQuery returns the query's registry, creating it on first use.
func (m *Manager) ForQuery(queryHandle string) *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byQuery[queryHandle]; ok {
		return r
	}
	r := NewRegistry(m.fetcher, m.logger)
	m.byQuery[queryHandle] = r
	return r
}

// Drop releases a finished query's registry.
func (m *Manager) Drop(queryHandle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byQuery, queryHandle)
}

// Active returns the number of live registries, for health reporting.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byQuery)
}
