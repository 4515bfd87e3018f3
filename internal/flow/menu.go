package flow

import (
	"context"
	"fmt"

	"github.com/BTreeMap/MsgRouter/internal/i18n"
	"github.com/BTreeMap/MsgRouter/internal/messaging"
	"github.com/BTreeMap/MsgRouter/internal/models"
)

// Menu is the localized home menu built from the home-category routes.
type Menu struct {
	entries []Route
	sender  messaging.Sender
}

// NewMenu keeps the CategoryHome routes of routes, in order.
func NewMenu(routes []Route, sender messaging.Sender) *Menu {
	m := &Menu{sender: sender}
	for _, rt := range routes {
		if rt.Category == CategoryHome {
			m.entries = append(m.entries, rt)
		}
	}
	return m
}

// Buttons returns one button per entry with its title in locale.
func (m *Menu) Buttons(locale string) []models.Button {
	buttons := make([]models.Button, 0, len(m.entries))
	for _, rt := range m.entries {
		buttons = append(buttons, models.Button{ID: rt.ID, Title: i18n.T(locale, i18n.MenuKey(rt.ID))})
	}
	return buttons
}

// Pick returns the n-th entry, counting from 1 as rendered.
func (m *Menu) Pick(n int) (Route, bool) {
	if n < 1 || n > len(m.entries) {
		return Route{}, false
	}
	return m.entries[n-1], true
}

// Send delivers the home menu to the context's identity.
func (m *Menu) Send(ctx context.Context, mc *models.MessageContext) error {
	if err := m.sender.SendButtons(ctx, mc.Identity, i18n.T(mc.Locale, i18n.KeyHomeTitle), m.Buttons(mc.Locale)); err != nil {
		return fmt.Errorf("send home menu: %w", err)
	}
	return nil
}
