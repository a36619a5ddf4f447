// ABOUTME: Picks the session that receives an outbound request.
// ABOUTME: Prefers the most recently active healthy session, falls back to the newest live one.

package broker

import "fmt"

// Selector chooses a target session from the registry and health monitor.
type Selector struct {
	registry *Registry
	health   *HealthMonitor
}

// NewSelector creates a Selector over the given registry and monitor.
func NewSelector(registry *Registry, health *HealthMonitor) *Selector {
	return &Selector{registry: registry, health: health}
}

// Select returns the session id and transport for a request. An explicit
// target must be active. Without one, the most recently touched session that
// is both active and healthy wins; if none qualifies, the most recently
// admitted active session is used so that idle-but-connected clients still
// receive requests.
func (s *Selector) Select(target string) (string, Transport, error) {
	if s.registry.Count() == 0 {
		return "", nil, ErrNoActiveConnection
	}

	if target != "" {
		t, ok := s.registry.Get(target)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, target)
		}
		return target, t, nil
	}

	for _, id := range s.health.RecentFirst() {
		t, ok := s.registry.Get(id)
		if ok && s.health.IsHealthy(id) {
			return id, t, nil
		}
	}

	id, t, ok := s.registry.Latest()
	if !ok {
		return "", nil, ErrNoActiveConnection
	}
	return id, t, nil
}
