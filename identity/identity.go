// Package identity resolves the participant id required for any event
// to be transmitted. Resolution fails closed: when no identity is
// available, telemetry is suppressed rather than attributed to a
// placeholder.
package identity

// Resolver resolves a participant id with fixed precedence: the
// injected Provider first, then Fallback. The first non-empty value
// wins. Resolve is a pure query.
type Resolver struct {
	// Provider is supplied by the host (e.g. reads a session-scoped
	// value). It may be nil. Errors and panics are treated as "no
	// identity"; they never propagate to the caller.
	Provider func() (string, error)
	// Fallback is an app-scoped default, e.g. an anonymous cohort id.
	Fallback string
}

func (r *Resolver) Resolve() (id string, ok bool) {
	if pid := r.fromProvider(); pid != "" {
		return pid, true
	}
	if r.Fallback != "" {
		return r.Fallback, true
	}
	return "", false
}

func (r *Resolver) fromProvider() string {
	if r.Provider == nil {
		return ""
	}
	var pid string
	func() {
		// The provider is host code; a panic there must not take the
		// telemetry layer down with it.
		defer func() {
			_ = recover()
		}()
		id, err := r.Provider()
		if err != nil {
			return
		}
		pid = id
	}()
	return pid
}
