// Package i18n holds the localized copy sent by the core.
package i18n

import (
	"fmt"
	"strings"
)

// DefaultLocale is used for unknown locales and missing keys.
const DefaultLocale = "en"

// Message keys.
const (
	KeyStopConfirm   = "stop_confirm"
	KeyStartConfirm  = "start_confirm"
	KeyHomeTitle     = "home_title"
	KeyNotUnderstood = "not_understood"
	KeyBackHome      = "back_home"
)

// IntroKey returns the key of a flow's entry message.
func IntroKey(flowID string) string { return "intro." + flowID }

// MenuKey returns the key of a flow's home menu label.
func MenuKey(flowID string) string { return "menu." + flowID }

var catalog = map[string]map[string]string{
	"en": {
		KeyStopConfirm:     "You have been unsubscribed and will no longer receive messages. Reply START to subscribe again.",
		KeyStartConfirm:    "Welcome back! You are subscribed again.",
		KeyHomeTitle:       "What would you like to do?",
		KeyNotUnderstood:   "Sorry, I didn't understand that.",
		KeyBackHome:        "Home",
		"menu.mobility":    "Rides",
		"menu.wallet":      "Wallet",
		"menu.insurance":   "Insurance",
		"menu.profile":     "My profile",
		"menu.support":     "Help",
		"intro.mobility":   "Let's find you a ride. Where are you going?",
		"intro.wallet":     "Your wallet. How much would you like to send?",
		"intro.insurance":  "Let's get you an insurance quote. What is your vehicle plate number?",
		"intro.profile":    "Your profile. What would you like to update?",
		"intro.support":    "How can we help? Describe your issue and an agent will reply.",
	},
	"fr": {
		KeyStopConfirm:     "Vous êtes désabonné et ne recevrez plus de messages. Répondez START pour vous réabonner.",
		KeyStartConfirm:    "Bon retour ! Vous êtes de nouveau abonné.",
		KeyHomeTitle:       "Que voulez-vous faire ?",
		KeyNotUnderstood:   "Désolé, je n'ai pas compris.",
		KeyBackHome:        "Accueil",
		"menu.mobility":    "Trajets",
		"menu.wallet":      "Portefeuille",
		"menu.insurance":   "Assurance",
		"menu.profile":     "Mon profil",
		"menu.support":     "Aide",
		"intro.mobility":   "Trouvons-vous un trajet. Où allez-vous ?",
		"intro.wallet":     "Votre portefeuille. Combien voulez-vous envoyer ?",
		"intro.insurance":  "Obtenons un devis d'assurance. Quelle est la plaque de votre véhicule ?",
		"intro.profile":    "Votre profil. Que voulez-vous modifier ?",
		"intro.support":    "Comment pouvons-nous aider ? Décrivez votre problème.",
	},
	"rw": {
		KeyStopConfirm:     "Wavanywe ku rutonde. Ntuzongera kwakira ubutumwa. Subiza START kugira ngo wongere wiyandikishe.",
		KeyStartConfirm:    "Murakaza neza! Mwongeye kwiyandikisha.",
		KeyHomeTitle:       "Urashaka gukora iki?",
		KeyNotUnderstood:   "Mbabarira, sinabyumvise.",
		KeyBackHome:        "Ahabanza",
		"menu.mobility":    "Ingendo",
		"menu.wallet":      "Ikofi",
		"menu.insurance":   "Ubwishingizi",
		"menu.profile":     "Umwirondoro wanjye",
		"menu.support":     "Ubufasha",
		"intro.mobility":   "Reka tugushakire urugendo. Urajya he?",
		"intro.wallet":     "Ikofi yawe. Urashaka kohereza angahe?",
		"intro.insurance":  "Reka tugushakire igiciro cy'ubwishingizi. Purake y'ikinyabiziga cyawe ni iyihe?",
		"intro.profile":    "Umwirondoro wawe. Urashaka guhindura iki?",
		"intro.support":    "Twagufasha iki? Sobanura ikibazo cyawe.",
	},
	"sw": {
		KeyStopConfirm:     "Umejiondoa na hutapokea ujumbe tena. Jibu START ili kujiunga tena.",
		KeyStartConfirm:    "Karibu tena! Umejiunga tena.",
		KeyHomeTitle:       "Ungependa kufanya nini?",
		KeyNotUnderstood:   "Samahani, sikuelewa.",
		KeyBackHome:        "Mwanzo",
		"menu.mobility":    "Safari",
		"menu.wallet":      "Pochi",
		"menu.insurance":   "Bima",
		"menu.profile":     "Wasifu wangu",
		"menu.support":     "Msaada",
		"intro.mobility":   "Tukutafutie safari. Unaenda wapi?",
		"intro.wallet":     "Pochi yako. Ungependa kutuma kiasi gani?",
		"intro.insurance":  "Tukupatie bei ya bima. Namba ya gari lako ni ipi?",
		"intro.profile":    "Wasifu wako. Ungependa kubadilisha nini?",
		"intro.support":    "Tukusaidie vipi? Eleza tatizo lako.",
	},
}

// Supported reports whether locale has a catalog.
func Supported(locale string) bool {
	_, ok := catalog[normalize(locale)]
	return ok
}

// T returns the copy for key in locale, falling back to DefaultLocale and
// finally to the key itself. Args are applied with fmt.Sprintf when present.
func T(locale, key string, args ...any) string {
	msg, ok := catalog[normalize(locale)][key]
	if !ok {
		msg, ok = catalog[DefaultLocale][key]
	}
	if !ok {
		msg = key
	}
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}

// normalize maps "fr-RW" and "FR" to "fr".
func normalize(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return locale
}
