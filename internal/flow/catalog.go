package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/MsgRouter/internal/i18n"
	"github.com/BTreeMap/MsgRouter/internal/messaging"
	"github.com/BTreeMap/MsgRouter/internal/models"
)

// Canonical route ids of the default catalogue.
const (
	RouteMobility  = "mobility"
	RouteWallet    = "wallet"
	RouteInsurance = "insurance"
	RouteProfile   = "profile"
	RouteSupport   = "support"
	RouteBackHome  = "back_home"
)

// StartedSuffix is appended to a flow id to form its entry state key.
const StartedSuffix = ".started"

// DefaultAliases are the legacy ids still sent by older menus and templates.
var DefaultAliases = []Alias{
	{Legacy: "rides", Canonical: RouteMobility},
	{Legacy: "ride_request", Canonical: RouteMobility},
	{Legacy: "momo", Canonical: RouteWallet},
	{Legacy: "wallet_menu", Canonical: RouteWallet},
	{Legacy: "insurance_quote", Canonical: RouteInsurance},
	{Legacy: "motor_insurance", Canonical: RouteInsurance},
	{Legacy: "my_profile", Canonical: RouteProfile},
	{Legacy: "help", Canonical: RouteSupport},
	{Legacy: "back_menu", Canonical: RouteBackHome},
	{Legacy: "main_menu", Canonical: RouteBackHome},
}

// EntryHandler starts a domain flow: it records <flow>.started and sends the
// localized intro. Messages arriving mid-flow get the intro again without
// overwriting the flow's own state.
type EntryHandler struct {
	Flow string
	// Prefixes are the state keys already owned by the flow; defaults to "<flow>.".
	Prefixes []string
	States   StateManager
	Sender   messaging.Sender
}

func (h *EntryHandler) owns(key string) bool {
	if key == "" {
		return false
	}
	prefixes := h.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{h.Flow + "."}
	}
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (h *EntryHandler) Handle(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (bool, error) {
	if !h.owns(mc.StateKey()) {
		entry := msg.InteractiveID()
		if entry == "" {
			entry = strings.TrimSpace(msg.Text)
		}
		if err := h.States.SetState(ctx, mc.Identity, h.Flow+StartedSuffix, map[string]any{"entry": entry}); err != nil {
			return false, err
		}
	}
	if err := h.Sender.SendText(ctx, mc.Identity, i18n.T(mc.Locale, i18n.IntroKey(h.Flow))); err != nil {
		return false, fmt.Errorf("send %s intro: %w", h.Flow, err)
	}
	slog.Debug("EntryHandler.Handle", "flow", h.Flow, "identity", mc.Identity)
	return true, nil
}

// HomeHandler clears the state and shows the home menu.
type HomeHandler struct {
	States StateManager
	Menu   *Menu
}

func (h *HomeHandler) Handle(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (bool, error) {
	if err := h.States.ClearState(ctx, mc.Identity); err != nil {
		return false, err
	}
	if err := h.Menu.Send(ctx, mc); err != nil {
		return false, err
	}
	return true, nil
}

// Catalog bundles the routing registry with the home menu derived from it.
type Catalog struct {
	Registry *Registry
	Menu     *Menu
}

// DefaultCatalog registers the built-in flows, the back_home control and
// DefaultAliases.
func DefaultCatalog(states StateManager, sender messaging.Sender) (*Catalog, error) {
	entry := func(id string, extra ...string) Route {
		prefixes := append([]string{id + "."}, extra...)
		return Route{
			ID:            id,
			Handler:       &EntryHandler{Flow: id, Prefixes: prefixes, States: states, Sender: sender},
			Category:      CategoryHome,
			StatePrefixes: prefixes,
		}
	}
	routes := []Route{
		entry(RouteMobility, "ride_"),
		entry(RouteWallet, "momo_"),
		entry(RouteInsurance, "checkout_"),
		entry(RouteProfile),
		entry(RouteSupport),
	}
	menu := NewMenu(routes, sender)
	routes = append(routes, Route{
		ID:       RouteBackHome,
		Handler:  &HomeHandler{States: states, Menu: menu},
		Category: CategoryControl,
	})

	reg, err := NewRegistry(routes, DefaultAliases)
	if err != nil {
		return nil, fmt.Errorf("build default catalog: %w", err)
	}
	return &Catalog{Registry: reg, Menu: menu}, nil
}
