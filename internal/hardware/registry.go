package hardware

import (
	"errors"
	"sort"
	"sync"

	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rs/zerolog"
)

// DispatchFunc invokes one operation on a single manager. Callers supply one
// per dispatched method name; it exists so Registry's dispatch disciplines
// stay generic over Manager's fully-typed methods without reflection.
type DispatchFunc func(Manager) (interface{}, error)

// Registry discovers hardware-manager plugins once, caches them in priority
// order, and exposes the two dispatch disciplines spec.md §4.1 describes:
// best-match (dispatch_to_managers) and fan-out (dispatch_to_all_managers).
//
// Discovery happens behind a sync.Once so concurrent dispatchers always see
// the same ordered list — the "Global plugin cache" design note in
// spec.md §9.
type Registry struct {
	once     sync.Once
	log      zerolog.Logger
	discover func() []Manager

	mu       sync.RWMutex
	managers []Manager
	err      error
}

// NewRegistry builds a registry around a discovery function that
// instantiates every compiled-in plugin. In the original agent this is a
// stevedore extension-namespace scan; here it is a plain slice-returning
// function supplied at process start (spec.md §9: "register them via a
// process-level list populated at startup").
func NewRegistry(log zerolog.Logger, discover func() []Manager) *Registry {
	return &Registry{log: log, discover: discover}
}

// Managers returns the cached, priority-ordered plugin list, triggering
// discovery on first call. Exposed for callers (like the agent coordinator)
// that need to reach a specific plugin directly rather than dispatching.
func (r *Registry) Managers() ([]Manager, error) {
	return r.managersList()
}

func (r *Registry) managersList() ([]Manager, error) {
	r.once.Do(func() {
		candidates := r.discover()
		var supported []Manager
		for _, m := range candidates {
			if m.EvaluateHardwareSupport() > 0 {
				supported = append(supported, m)
			}
		}
		// Tie-break on identical support level: lexicographic plugin name,
		// so dispatch order is deterministic across restarts (spec.md §4.1).
		sort.SliceStable(supported, func(i, j int) bool {
			si, sj := supported[i].EvaluateHardwareSupport(), supported[j].EvaluateHardwareSupport()
			if si != sj {
				return si > sj
			}
			return supported[i].Name() < supported[j].Name()
		})
		if len(supported) == 0 {
			r.err = apierrors.ErrHardwareManagerNotFound
			return
		}
		r.mu.Lock()
		r.managers = supported
		r.mu.Unlock()
		r.log.Info().Strs("managers", managerNames(supported)).Msg("hardware managers discovered")
	})
	if r.err != nil {
		return nil, r.err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers, nil
}

func managerNames(ms []Manager) []string {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = m.Name()
	}
	return names
}

// DispatchToManagers is the "best match" discipline: walk plugins in
// priority order and invoke fn on the first one that doesn't return
// apierrors.ErrIncompatibleHardwareMethod. Any other error propagates
// immediately. If every plugin is incompatible, returns
// HardwareManagerMethodNotFound.
func (r *Registry) DispatchToManagers(method string, fn DispatchFunc) (interface{}, error) {
	managers, err := r.managersList()
	if err != nil {
		return nil, err
	}
	for _, m := range managers {
		v, err := fn(m)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, apierrors.ErrIncompatibleHardwareMethod) {
			r.log.Debug().Str("manager", m.Name()).Str("method", method).Msg("manager does not support method")
			continue
		}
		return nil, err
	}
	return nil, apierrors.HardwareManagerMethodNotFound(method)
}

// DispatchToAllManagers is the "fan-out" discipline: invoke fn on every
// plugin, collecting results keyed by plugin name, skipping any plugin that
// returns apierrors.ErrIncompatibleHardwareMethod. Any other error aborts
// the whole fan-out. If the resulting map is empty, returns
// HardwareManagerMethodNotFound.
func (r *Registry) DispatchToAllManagers(method string, fn DispatchFunc) (map[string]interface{}, error) {
	managers, err := r.managersList()
	if err != nil {
		return nil, err
	}
	responses := make(map[string]interface{})
	for _, m := range managers {
		v, err := fn(m)
		if err == nil {
			responses[m.Name()] = v
			continue
		}
		if errors.Is(err, apierrors.ErrIncompatibleHardwareMethod) {
			r.log.Debug().Str("manager", m.Name()).Str("method", method).Msg("manager does not support method")
			continue
		}
		return nil, err
	}
	if len(responses) == 0 {
		return nil, apierrors.HardwareManagerMethodNotFound(method)
	}
	return responses, nil
}

// Support fans EvaluateHardwareSupport out to every manager, used by the
// cleaning protocol's deduplication pass (spec.md §4.2).
func (r *Registry) Support() (map[string]int, error) {
	managers, err := r.managersList()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(managers))
	for _, m := range managers {
		out[m.Name()] = m.EvaluateHardwareSupport()
	}
	return out, nil
}
