package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/MsgRouter/internal/i18n"
	"github.com/BTreeMap/MsgRouter/internal/messaging"
	"github.com/BTreeMap/MsgRouter/internal/metrics"
	"github.com/BTreeMap/MsgRouter/internal/models"
)

// Unmatched is returned by Dispatch when no route consumed the message.
const Unmatched = "unmatched"

// Dispatcher applies the registry to messages that passed the guards.
type Dispatcher struct {
	registry *Registry
	menu     *Menu
	sender   messaging.Sender
}

func NewDispatcher(catalog *Catalog, sender messaging.Sender) *Dispatcher {
	return &Dispatcher{registry: catalog.Registry, menu: catalog.Menu, sender: sender}
}

// Dispatch tries, in order: the interactive reply id, the text as a route id
// or alias, a numeric home menu pick (only with no active state), and the
// route owning the active state key. It returns the id of the consuming route,
// or Unmatched after replying with the fallback and home menu.
func (d *Dispatcher) Dispatch(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (string, error) {
	if id := msg.InteractiveID(); id != "" {
		if rt, ok := d.registry.ResolveRoute(id); ok {
			if done, err := d.run(ctx, rt, mc, msg, "interactive"); done || err != nil {
				return rt.ID, err
			}
		}
	}

	text := strings.TrimSpace(msg.Text)
	if text != "" {
		if rt, ok := d.registry.ResolveRoute(text); ok {
			if done, err := d.run(ctx, rt, mc, msg, "text"); done || err != nil {
				return rt.ID, err
			}
		}
		if mc.State == nil {
			if n, err := strconv.Atoi(text); err == nil {
				if rt, ok := d.menu.Pick(n); ok {
					if done, err := d.run(ctx, rt, mc, msg, "menu_pick"); done || err != nil {
						return rt.ID, err
					}
				}
			}
		}
	}

	if key := mc.StateKey(); key != "" {
		if rt, ok := d.registry.ResolveState(key); ok {
			if done, err := d.run(ctx, rt, mc, msg, "state"); done || err != nil {
				return rt.ID, err
			}
		}
	}

	metrics.Inc(metrics.RouteUnmatched, "identity", mc.Identity, "state", mc.StateKey())
	if err := d.sender.SendText(ctx, mc.Identity, i18n.T(mc.Locale, i18n.KeyNotUnderstood)); err != nil {
		return Unmatched, fmt.Errorf("send fallback: %w", err)
	}
	if err := d.menu.Send(ctx, mc); err != nil {
		return Unmatched, err
	}
	return Unmatched, nil
}

func (d *Dispatcher) run(ctx context.Context, rt Route, mc *models.MessageContext, msg models.InboundMessage, via string) (bool, error) {
	consumed, err := rt.Handler.Handle(ctx, mc, msg)
	if err != nil {
		slog.Error("Dispatcher.Dispatch handler failed", "error", err, "route", rt.ID, "identity", mc.Identity, "via", via)
		return false, fmt.Errorf("route %s: %w", rt.ID, err)
	}
	if consumed {
		metrics.Inc(metrics.RouteDispatched, "route", rt.ID, "via", via, "identity", mc.Identity)
	}
	return consumed, nil
}
