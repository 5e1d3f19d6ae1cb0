package broker

import (
	"fmt"
	"net/http"
	"sync"

	"transcriptd/internal/types"
)

// Grant is what the external auth collaborator supplies per connection:
// the project set a client may subscribe to. The pipeline trusts it and
// implements no auth of its own.
type Grant struct {
	// Projects lists the allowed project IDs. Ignored when AllowAll.
	Projects []string
	AllowAll bool
}

// Allows reports whether the grant covers a project ID.
func (g Grant) Allows(projectID string) bool {
	if g.AllowAll {
		return true
	}
	for _, p := range g.Projects {
		if p == projectID {
			return true
		}
	}
	return false
}

// Authorizer is the boundary to the external auth component. It inspects
// the connection request and returns the client's grant, or an error to
// reject the connection outright.
type Authorizer interface {
	Authorize(r *http.Request) (Grant, error)
}

// AllowAll is the default authorizer for deployments without the external
// auth component.
type AllowAll struct{}

// Authorize grants access to every project.
func (AllowAll) Authorize(*http.Request) (Grant, error) {
	return Grant{AllowAll: true}, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry tracks which filter each connected client has declared.
// Subscription lifecycle is tied to the connection: clients appear on
// subscribe and vanish on disconnect.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]types.Filter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]types.Filter)}
}

// Subscribe records a client's filter, replacing any previous one. A
// filter referencing a project outside the client's grant is rejected.
func (r *Registry) Subscribe(clientID string, filter types.Filter, grant Grant) error {
	for _, projectID := range filter.ProjectIDs {
		if !grant.Allows(projectID) {
			return fmt.Errorf("project %s not permitted", projectID)
		}
	}

	r.mu.Lock()
	r.subs[clientID] = filter
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes a client's filter.
func (r *Registry) Unsubscribe(clientID string) {
	r.mu.Lock()
	delete(r.subs, clientID)
	r.mu.Unlock()
}

// Match returns the IDs of clients whose filter accepts the event. An
// event matches only when every populated filter dimension matches.
func (r *Registry) Match(ev types.BroadcastEvent) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []string
	for clientID, filter := range r.subs {
		if filter.Matches(ev) {
			matched = append(matched, clientID)
		}
	}
	return matched
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
