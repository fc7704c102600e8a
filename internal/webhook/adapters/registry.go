package adapters

import (
	"strings"

	"github.com/smallbiznis/tokenledger/internal/webhook/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

// NewRegistry indexes adapters by source. Nil adapters are skipped so that
// unconfigured senders stay unregistered.
func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		source := strings.ToLower(strings.TrimSpace(adapter.Source()))
		if source == "" {
			continue
		}
		registry.adapters[source] = adapter
	}
	return registry
}

func (r *Registry) SourceExists(source string) bool {
	_, err := r.Adapter(source)
	return err == nil
}

func (r *Registry) Adapter(source string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrUnknownSource
	}
	source = strings.ToLower(strings.TrimSpace(source))
	adapter, ok := r.adapters[source]
	if !ok {
		return nil, domain.ErrUnknownSource
	}
	return adapter, nil
}
