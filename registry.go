package dockache

import (
	"strings"
	"sync"
)

// Registration is an unmodifiable snapshot of one claimed database name.
type Registration struct {
	// Client is the owning client/tenant identifier passed to register.
	Client string
	// FullName is the namespaced database name in its original case.
	FullName string
}

// registry is the process-wide registration table: every Cache claims a
// namespaced database name, which no other Cache can claim until release
// frees it, tracked in a package-level map keyed by the lowercased full name so that
// "NS.Foo" and "ns.foo" are treated as the same registration.
type registry struct {
	mu    sync.Mutex
	byKey map[string]Registration
}

var globalRegistry = &registry{byKey: make(map[string]Registration)}

// namespacedName prepends prefix to name exactly once.
func namespacedName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// register claims fullName on behalf of client, failing with
// *Error{Code: DuplicateDatabase} if another live Cache already holds the
// same name under case-insensitive comparison.
func (r *registry) register(client, fullName string) error {
	key := strings.ToLower(fullName)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[key]; exists {
		return NewError(DuplicateDatabase, nil, fullName)
	}
	r.byKey[key] = Registration{Client: client, FullName: fullName}
	return nil
}

// release frees fullName so it can be reclaimed by a future Cache. Called
// when a Cache is permanently stopped (DRAINING -> STOPPED).
func (r *registry) release(fullName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, strings.ToLower(fullName))
}

// isRegistered reports whether fullName is currently claimed, under the
// same case-insensitive comparison as register. Only the tests call it.
func (r *registry) isRegistered(fullName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byKey[strings.ToLower(fullName)]
	return ok
}

// list returns an unmodifiable snapshot of every current registration.
func (r *registry) list() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.byKey))
	for _, reg := range r.byKey {
		out = append(out, reg)
	}
	return out
}

// ListRegistrations returns an unmodifiable snapshot of every database name
// currently claimed in the process-wide registry, across every client.
func ListRegistrations() []Registration {
	return globalRegistry.list()
}
