// Package guard intercepts universal commands before any flow sees a message.
//
// STOP/UNSUBSCRIBE opts the identity out, START opts it back in and HOME/MENU
// (or the back_home control) returns to the home menu. When several could
// apply the first match wins in that order.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/contacts"
	"github.com/BTreeMap/MsgRouter/internal/flow"
	"github.com/BTreeMap/MsgRouter/internal/i18n"
	"github.com/BTreeMap/MsgRouter/internal/messaging"
	"github.com/BTreeMap/MsgRouter/internal/metrics"
	"github.com/BTreeMap/MsgRouter/internal/models"
)

// Command is a universal command recognised by the guards.
type Command string

const (
	CommandNone  Command = ""
	CommandStop  Command = "stop"
	CommandStart Command = "start"
	CommandHome  Command = "home"
)

var keywords = map[string]Command{
	"stop":        CommandStop,
	"unsubscribe": CommandStop,
	"start":       CommandStart,
	"home":        CommandHome,
	"menu":        CommandHome,
}

// OptLedger records opt state. *contacts.Ledger implements it.
type OptLedger interface {
	UpsertOptState(ctx context.Context, identity string, patch contacts.Patch) error
}

// Guards evaluates the universal commands.
type Guards struct {
	ledger   OptLedger
	states   flow.StateManager
	registry *flow.Registry
	menu     *flow.Menu
	sender   messaging.Sender
	now      func() time.Time
}

// New builds the guard layer over the catalogue's registry and home menu.
func New(ledger OptLedger, states flow.StateManager, catalog *flow.Catalog, sender messaging.Sender) *Guards {
	return &Guards{
		ledger:   ledger,
		states:   states,
		registry: catalog.Registry,
		menu:     catalog.Menu,
		sender:   sender,
		now:      time.Now,
	}
}

// Classify returns the command carried by msg, or CommandNone.
func (g *Guards) Classify(msg models.InboundMessage) Command {
	text := strings.ToLower(strings.TrimSpace(msg.Text))
	if cmd, ok := keywords[text]; ok {
		return cmd
	}
	if id := msg.InteractiveID(); id != "" && g.registry.Normalize(id) == flow.RouteBackHome {
		return CommandHome
	}
	return CommandNone
}

// Run executes the matching command. handled=false means the message should
// continue to routing.
func (g *Guards) Run(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (bool, error) {
	switch cmd := g.Classify(msg); cmd {
	case CommandStop:
		return true, g.stop(ctx, mc)
	case CommandStart:
		return true, g.start(ctx, mc)
	case CommandHome:
		return true, g.home(ctx, mc)
	default:
		return false, nil
	}
}

// stop leaves the conversation state in place so a later START can decide.
func (g *Guards) stop(ctx context.Context, mc *models.MessageContext) error {
	if err := g.ledger.UpsertOptState(ctx, mc.Identity, contacts.OptOut(g.now().UTC())); err != nil {
		return fmt.Errorf("guard stop: %w", err)
	}
	metrics.Inc(metrics.GuardStop, "identity", mc.Identity, "state", mc.StateKey())
	slog.Info("Guards.Run opted out", "identity", mc.Identity)
	if err := g.sender.SendText(ctx, mc.Identity, i18n.T(mc.Locale, i18n.KeyStopConfirm)); err != nil {
		return fmt.Errorf("guard stop confirmation: %w", err)
	}
	return nil
}

func (g *Guards) start(ctx context.Context, mc *models.MessageContext) error {
	if err := g.ledger.UpsertOptState(ctx, mc.Identity, contacts.OptIn(g.now().UTC())); err != nil {
		return fmt.Errorf("guard start: %w", err)
	}
	if err := g.states.ClearState(ctx, mc.Identity); err != nil {
		return fmt.Errorf("guard start: %w", err)
	}
	metrics.Inc(metrics.GuardStart, "identity", mc.Identity)
	slog.Info("Guards.Run opted in", "identity", mc.Identity)
	if err := g.sender.SendText(ctx, mc.Identity, i18n.T(mc.Locale, i18n.KeyStartConfirm)); err != nil {
		return fmt.Errorf("guard start confirmation: %w", err)
	}
	// The opt-in and its confirmation are done. Failing on a throttled menu
	// would get the whole message redelivered and confirmed twice.
	if err := g.menu.Send(ctx, mc); err != nil {
		if errors.Is(err, messaging.ErrThrottled) {
			slog.Warn("Guards.Run home menu throttled after opt-in", "identity", mc.Identity)
			return nil
		}
		return err
	}
	return nil
}

func (g *Guards) home(ctx context.Context, mc *models.MessageContext) error {
	if err := g.states.ClearState(ctx, mc.Identity); err != nil {
		return fmt.Errorf("guard home: %w", err)
	}
	metrics.Inc(metrics.GuardHome, "identity", mc.Identity, "state", mc.StateKey())
	return g.menu.Send(ctx, mc)
}
