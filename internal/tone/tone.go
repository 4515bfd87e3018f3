// Package tone provides a lexical locale/tone detector for short chat messages.
//
// Detection is pure and total: any input, including empty or non-linguistic
// text, yields a usable tone locale. A definite Language is only reported
// when the evidence is strong enough to override a stored profile locale.
package tone

import (
	"math"
	"strings"
	"unicode"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

// ---- Candidates ----

// DefaultLocale is used when no candidate scores above zero.
const DefaultLocale = "en"

// Candidates lists supported locales. The order breaks ties.
var Candidates = []string{"en", "fr", "rw", "sw"}

// keywords holds weighted marker words per locale. Weights are in (0, 1].
var keywords = map[string]map[string]float64{
	"en": {
		"hello": 1, "hi": 0.8, "hey": 0.8, "thanks": 1, "thank": 1, "please": 1,
		"want": 0.8, "need": 0.8, "help": 0.6, "ride": 0.6, "yes": 0.6, "the": 0.5,
		"my": 0.5, "is": 0.4, "what": 0.7, "how": 0.7, "send": 0.6, "pay": 0.6,
		"money": 0.7, "good": 0.6, "morning": 0.8, "insurance": 0.5,
	},
	"fr": {
		"bonjour": 1, "salut": 1, "merci": 1, "oui": 0.8, "je": 0.6, "veux": 1,
		"besoin": 1, "aide": 0.8, "vous": 0.8, "le": 0.4, "la": 0.4, "les": 0.5,
		"est": 0.5, "de": 0.3, "mon": 0.6, "argent": 1, "envoyer": 1, "payer": 1,
		"comment": 0.8, "voiture": 1, "bien": 0.6, "très": 1, "ça": 1, "assurance": 0.8,
	},
	"rw": {
		"muraho": 1, "mwaramutse": 1, "mwiriwe": 1, "amakuru": 1, "murakoze": 1,
		"yego": 1, "oya": 0.8, "ndashaka": 1, "nkeneye": 1, "ubufasha": 1,
		"amafaranga": 1, "kohereza": 1, "kwishyura": 1, "imodoka": 1, "moto": 0.5,
		"ese": 0.5, "uraho": 1, "bite": 0.6, "ubwishingizi": 1, "cyane": 0.8,
	},
	"sw": {
		"habari": 1, "jambo": 1, "asante": 1, "ndiyo": 1, "hapana": 1, "nataka": 1,
		"nahitaji": 1, "msaada": 1, "pesa": 1, "tuma": 0.8, "kulipa": 1, "gari": 0.8,
		"sana": 0.6, "karibu": 0.8, "mambo": 0.8, "hii": 0.5, "nini": 0.8, "bima": 1,
	},
}

// diacritics award a bonus per occurrence to locales that use them.
var diacritics = map[string]string{
	"fr": "éèêëàâçùûôîïœ",
}

const (
	diacriticBonus    = 0.05
	maxDiacriticBonus = 0.2
)

// ---- Data types ----

// Result is the output of Detect.
type Result struct {
	// Language is the definite language, or "" when detection was not confident.
	Language   string
	ToneLocale string
	Detection  models.ToneDetection
}

// Detector scores text against the candidate locales.
type Detector struct {
	// MinConfidence is the winning score needed to report a Language.
	MinConfidence float64
	// MinMargin is the lead over the runner-up needed to report a Language.
	MinMargin float64
	// DefaultLocale is the tone locale when nothing matches.
	DefaultLocale string
}

// NewDetector returns a detector with the default thresholds.
func NewDetector() *Detector {
	return &Detector{
		MinConfidence: 0.2,
		MinMargin:     0.1,
		DefaultLocale: DefaultLocale,
	}
}

var defaultDetector = NewDetector()

// Detect runs the default detector.
func Detect(text string) Result {
	return defaultDetector.Detect(text)
}

// Detect scores text and picks a tone locale.
func (d *Detector) Detect(text string) Result {
	fallback := d.DefaultLocale
	if fallback == "" {
		fallback = DefaultLocale
	}

	scores := make(map[string]float64, len(Candidates))
	for _, c := range Candidates {
		scores[c] = 0
	}

	tokens := tokenize(text)
	matched := 0
	if len(tokens) > 0 {
		for _, c := range Candidates {
			sum := 0.0
			for _, tok := range tokens {
				if w, ok := keywords[c][tok]; ok {
					sum += w
					matched++
				}
			}
			scores[c] = sum / float64(len(tokens))
		}
	}
	for locale, marks := range diacritics {
		n := 0
		for _, r := range strings.ToLower(text) {
			if strings.ContainsRune(marks, r) {
				n++
			}
		}
		if n > 0 {
			scores[locale] += math.Min(float64(n)*diacriticBonus, maxDiacriticBonus)
		}
	}
	for c, s := range scores {
		scores[c] = clamp(s)
	}

	best, runnerUp := "", 0.0
	bestScore := 0.0
	for _, c := range Candidates {
		s := scores[c]
		if s > bestScore {
			runnerUp = bestScore
			best, bestScore = c, s
		} else if s > runnerUp {
			runnerUp = s
		}
	}

	res := Result{
		ToneLocale: fallback,
		Detection: models.ToneDetection{
			Locale:  fallback,
			Scores:  scores,
			Matched: matched,
		},
	}
	if best == "" {
		return res
	}

	res.ToneLocale = best
	res.Detection.Locale = best
	res.Detection.Confidence = bestScore
	if bestScore >= d.MinConfidence && bestScore-runnerUp >= d.MinMargin {
		res.Language = best
	}
	return res
}

// ---- helpers ----

// tokenize lower-cases text and splits it into Unicode letter runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	// Round to 4 decimal places to avoid floating point drift.
	return math.Round(v*10000) / 10000
}
