package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownKind = errors.New("unsupported kind")

// Factory builds a Source from the connector's config file. configPath may be
// empty when the pipeline declares no config for the connector.
type Factory func(alias, configPath string) (Source, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register is called from each connector's init().
func Register(kind string, f Factory) {
	regMu.Lock()
	registry[kind] = f
	regMu.Unlock()
}

// New returns a configured source by kind ("cb", "kafka", …).
func New(kind, alias, configPath string) (Source, error) {
	regMu.RLock()
	f, ok := registry[kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: %w %q", ErrUnknownKind, kind)
	}
	return f(alias, configPath)
}

func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
