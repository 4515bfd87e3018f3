package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

// Handler consumes a message routed to a flow. Handlers own their state
// transitions and return consumed=false to let dispatch fall through.
type Handler interface {
	Handle(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (consumed bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (bool, error) {
	return f(ctx, mc, msg)
}

// Category groups routes for menu building.
type Category string

const (
	// CategoryHome routes appear in the home menu.
	CategoryHome Category = "home"
	// CategoryControl routes are navigation controls such as back_home.
	CategoryControl Category = "control"
)

// Route binds a canonical id to its handler.
type Route struct {
	ID       string
	Handler  Handler
	Category Category
	// StatePrefixes are the state key prefixes this route owns mid-flow.
	StatePrefixes []string
}

// Alias maps a legacy id onto a canonical route id.
type Alias struct {
	Legacy    string
	Canonical string
}

var (
	ErrEmptyRouteID     = errors.New("route id cannot be empty")
	ErrDuplicateRoute   = errors.New("duplicate route id")
	ErrNilHandler       = errors.New("route handler cannot be nil")
	ErrUnknownCanonical = errors.New("alias targets an unregistered route")
	ErrAliasShadows     = errors.New("alias shadows a canonical route id")
	ErrAliasChain       = errors.New("alias targets another alias")
	ErrDuplicateAlias   = errors.New("duplicate alias")
	ErrDuplicatePrefix  = errors.New("state prefix claimed by two routes")
)

// Registry is the immutable routing table built once at startup.
type Registry struct {
	routes   []Route
	byID     map[string]int
	aliases  map[string]string
	ordered  []Alias
	prefixes map[string]int
}

func canonicalID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NewRegistry validates routes and aliases and builds the lookup tables.
func NewRegistry(routes []Route, aliases []Alias) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]int, len(routes)),
		aliases:  make(map[string]string, len(aliases)),
		prefixes: make(map[string]int),
	}
	for _, rt := range routes {
		rt.ID = canonicalID(rt.ID)
		if rt.ID == "" {
			return nil, ErrEmptyRouteID
		}
		if _, dup := r.byID[rt.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoute, rt.ID)
		}
		if rt.Handler == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilHandler, rt.ID)
		}
		idx := len(r.routes)
		for _, p := range rt.StatePrefixes {
			if other, dup := r.prefixes[p]; dup {
				return nil, fmt.Errorf("%w: %q (%s, %s)", ErrDuplicatePrefix, p, r.routes[other].ID, rt.ID)
			}
			r.prefixes[p] = idx
		}
		r.byID[rt.ID] = idx
		r.routes = append(r.routes, rt)
	}

	legacies := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		legacies[canonicalID(a.Legacy)] = true
	}
	for _, a := range aliases {
		legacy, canonical := canonicalID(a.Legacy), canonicalID(a.Canonical)
		switch {
		case legacy == "":
			return nil, fmt.Errorf("%w: alias for %s", ErrEmptyRouteID, canonical)
		case r.aliases[legacy] != "":
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAlias, legacy)
		case legacies[canonical]:
			return nil, fmt.Errorf("%w: %s -> %s", ErrAliasChain, legacy, canonical)
		}
		if _, ok := r.byID[legacy]; ok {
			return nil, fmt.Errorf("%w: %s", ErrAliasShadows, legacy)
		}
		if _, ok := r.byID[canonical]; !ok {
			return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownCanonical, legacy, canonical)
		}
		r.aliases[legacy] = canonical
		r.ordered = append(r.ordered, Alias{Legacy: legacy, Canonical: canonical})
	}
	return r, nil
}

// Normalize maps a legacy id to its canonical id; other ids pass through.
func (r *Registry) Normalize(id string) string {
	id = canonicalID(id)
	if canonical, ok := r.aliases[id]; ok {
		return canonical
	}
	return id
}

// ResolveRoute returns the route for a canonical or legacy id.
func (r *Registry) ResolveRoute(id string) (Route, bool) {
	idx, ok := r.byID[r.Normalize(id)]
	if !ok {
		return Route{}, false
	}
	return r.routes[idx], true
}

// Resolve returns the handler for a canonical or legacy id.
func (r *Registry) Resolve(id string) (Handler, bool) {
	rt, ok := r.ResolveRoute(id)
	if !ok {
		return nil, false
	}
	return rt.Handler, true
}

// ResolveState returns the route owning key by longest prefix match.
func (r *Registry) ResolveState(key string) (Route, bool) {
	best, bestLen := -1, 0
	for p, idx := range r.prefixes {
		if len(p) > bestLen && strings.HasPrefix(key, p) {
			best, bestLen = idx, len(p)
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return r.routes[best], true
}

// Routes returns the routes in registration order.
func (r *Registry) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// RoutesIn returns the routes of one category in registration order.
func (r *Registry) RoutesIn(c Category) []Route {
	var out []Route
	for _, rt := range r.routes {
		if rt.Category == c {
			out = append(out, rt)
		}
	}
	return out
}

// Aliases returns every alias sorted by legacy id.
func (r *Registry) Aliases() []Alias {
	out := make([]Alias, len(r.ordered))
	copy(out, r.ordered)
	sort.Slice(out, func(i, j int) bool { return out[i].Legacy < out[j].Legacy })
	return out
}
