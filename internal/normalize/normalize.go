// Package normalize canonicalizes raw product and ingredient names into the
// comparable form used as the matching key for the canonical registry.
//
// Normalization is deliberately aggressive: the output is a matching key,
// not a display string. Display names keep whatever the seeding record carried;
// this package only decides what two names must share to be comparable.
package normalize

import (
	"regexp"
	"strings"
)

// stopWords are French liaison words removed from matching keys.
var stopWords = wordSet(
	"de", "du", "des", "d'", "la", "le", "les", "l'", "en", "avec",
	"et", "à", "au", "aux", "un", "une", "-",
)

// adjectives are descriptive words that vary across sources for the same
// product (fresh/organic/color/size) and would poison lexical similarity.
var adjectives = wordSet(
	"frais", "fraiche", "fraîche", "bio", "entier", "entiere",
	"petit", "petite", "grand", "grande", "moyen", "moyenne",
	"sec", "secs", "sèche", "sèches", "moelleux", "moelleuse",
	"demi", "demie", "nouveau", "nouvelle", "vieux", "vieille", "jeune",
	"rond", "ronde", "long", "longue", "court", "courte",
	"gros", "grosse", "fin", "fine", "épais", "épaisse",
	"blanc", "blanche", "rouge", "jaune", "vert", "verte", "noir", "noire",
	"rose", "violet", "violette", "orange", "doré", "dorée", "brun", "brune",
	"cru", "crue", "cuit", "cuite", "surgelé", "surgelée", "nature",
	"complet", "complète", "allégé", "allégée", "léger", "légère",
	"extra", "double", "triple", "simple",
)

// quantityWords are vague quantity terms with no identity value.
var quantityWords = wordSet(
	"quelques", "beaucoup", "peu", "plusieurs", "moitié", "quart",
	"tiers", "demi", "entier", "entière",
)

var (
	reParenthetical = regexp.MustCompile(`\s*\([^)]*\)`)
	reElision       = regexp.MustCompile(`\b[ldj]'`)
	reAlternatives  = regexp.MustCompile(`[-/]|\s+ou\s+`)
	reQuantityUnit  = regexp.MustCompile(`\b\d+([.,]\d+)?\s*(` + unitPattern + `)\b`)
	reNumber        = regexp.MustCompile(`\d+([.,]\d+)?`)
	reNonLetter     = regexp.MustCompile(`[^a-zàâäéèêëïîôöùûüç\s-]`)
	reSpaces        = regexp.MustCompile(`\s+`)
)

// accentFolder maps the accented French letters to their ASCII base.
var accentFolder = strings.NewReplacer(
	"à", "a", "â", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"ï", "i", "î", "i",
	"ô", "o", "ö", "o",
	"ù", "u", "û", "u", "ü", "u",
	"ç", "c",
)

// Normalizer produces matching keys from raw names. The zero-argument
// constructor uses the built-in French stop-term sets; extra stop terms can
// be supplied from configuration. A Normalizer is immutable after creation,
// so Normalize is a pure function of its input.
type Normalizer struct {
	stop map[string]bool
}

// New creates a Normalizer, optionally extending the built-in stop-term sets.
func New(extraStopTerms ...string) *Normalizer {
	stop := make(map[string]bool, len(stopWords)+len(adjectives)+len(quantityWords)+len(extraStopTerms))
	for w := range stopWords {
		stop[w] = true
	}
	for w := range adjectives {
		stop[w] = true
	}
	for w := range quantityWords {
		stop[w] = true
	}
	for _, w := range extraStopTerms {
		stop[strings.ToLower(strings.TrimSpace(w))] = true
	}
	return &Normalizer{stop: stop}
}

var defaultNormalizer = New()

// Normalize canonicalizes raw using the default stop-term sets.
func Normalize(raw string) string {
	return defaultNormalizer.Normalize(raw)
}

// Normalize lower-cases, strips parentheticals, keeps only the first of
// hyphen/slash/"ou" alternatives, removes quantities, units and numbers,
// drops stop terms, folds accents to ASCII and collapses whitespace.
// Empty or garbage input yields an empty string, never an error.
func (n *Normalizer) Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	text := strings.ToLower(raw)
	text = reParenthetical.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	// "pomme de terre / patate", "magret ou filet": keep the first variant.
	if parts := reAlternatives.Split(text, 2); len(parts) > 0 {
		text = strings.TrimSpace(parts[0])
	}

	// "l'ail" → "ail": drop elided articles before punctuation stripping
	// would fuse them onto the noun.
	text = reElision.ReplaceAllString(text, " ")

	text = reQuantityUnit.ReplaceAllString(text, "")
	text = reNumber.ReplaceAllString(text, "")
	text = reNonLetter.ReplaceAllString(text, "")

	var kept []string
	for _, word := range strings.Fields(text) {
		// Plural adjectives ("fraîches", "verts") stop on their singular.
		if n.stop[word] || n.stop[strings.TrimSuffix(word, "s")] {
			continue
		}
		kept = append(kept, accentFolder.Replace(word))
	}

	return strings.TrimSpace(reSpaces.ReplaceAllString(strings.Join(kept, " "), " "))
}

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
