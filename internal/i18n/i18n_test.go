package i18n

import "testing"

func TestT(t *testing.T) {
	if got := T("fr", KeyHomeTitle); got != "Que voulez-vous faire ?" {
		t.Errorf("unexpected fr copy %q", got)
	}
	if got := T("FR-rw", KeyBackHome); got != "Accueil" {
		t.Errorf("region suffix should be ignored, got %q", got)
	}
	if got := T("de", KeyHomeTitle); got != T("en", KeyHomeTitle) {
		t.Errorf("unknown locale should fall back to en, got %q", got)
	}
	if got := T("en", "no.such.key"); got != "no.such.key" {
		t.Errorf("missing key should return the key, got %q", got)
	}
}

func TestCatalogComplete(t *testing.T) {
	for locale, msgs := range catalog {
		for key := range catalog[DefaultLocale] {
			if _, ok := msgs[key]; !ok {
				t.Errorf("locale %s is missing key %s", locale, key)
			}
		}
	}
}

func TestSupported(t *testing.T) {
	for _, l := range []string{"en", "fr", "rw", "sw", "sw-KE"} {
		if !Supported(l) {
			t.Errorf("expected %s supported", l)
		}
	}
	if Supported("de") {
		t.Error("de should not be supported")
	}
}

func TestKeyHelpers(t *testing.T) {
	if IntroKey("wallet") != "intro.wallet" || MenuKey("wallet") != "menu.wallet" {
		t.Error("unexpected key helpers")
	}
}
