// Package platform holds the two seams a chat integration implements, the lookup
// table they are registered into, and the machinery that runs connectors.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/relay"
)

// ErrConnectorUnavailable reports a connector whose listener cannot reach its platform.
var ErrConnectorUnavailable = errors.New("connector unavailable")

// Emit hands one raw event to intake. It returns false once intake has stopped.
type Emit func(models.RawEvent) bool

// Connector is the inbound half of a platform. Listen blocks until ctx is done or the
// platform connection fails.
type Connector interface {
	Name() string
	Listen(ctx context.Context, emit Emit) error
}

// Platform is a full integration: inbound listener plus outbound dispatcher.
type Platform interface {
	Connector
	relay.Dispatcher
}

// Registry is the lookup table of platforms keyed by name.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
	guard     AttemptGuard
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. Dispatchers it hands out deduplicate on the
// attempt id through guard; a nil guard uses an in-memory one.
func NewRegistry(guard AttemptGuard, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = NewMemoryAttemptGuard(DefaultAttemptTTL)
	}
	return &Registry{platforms: make(map[string]Platform), guard: guard, logger: logger}
}

// Register adds p. Names are unique.
func (r *Registry) Register(p Platform) error {
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		return errors.New("platform name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.platforms[name]; ok {
		return fmt.Errorf("platform %q already registered", name)
	}
	r.platforms[name] = p
	r.logger.Info("platform registered", zap.String("platform", name))
	return nil
}

// Lookup returns the platform registered under name.
func (r *Registry) Lookup(name string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[name]
	return p, ok
}

// Names lists registered platforms in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.platforms))
	for n := range r.platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Platforms returns every registered platform.
func (r *Registry) Platforms() []Platform {
	names := r.Names()
	out := make([]Platform, 0, len(names))
	for _, n := range names {
		p, _ := r.Lookup(n)
		out = append(out, p)
	}
	return out
}

// Dispatcher returns the attempt-guarded dispatcher for a platform.
func (r *Registry) Dispatcher(name string) (relay.Dispatcher, bool) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	return Guard(p, r.guard, r.logger), true
}
