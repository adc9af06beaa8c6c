package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// IngredientDetails is the structured form of a free-text recipe ingredient
// line. Gram conversion is approximate: it exists to weight environmental
// impact per recipe, not to reproduce the cook's scale.
type IngredientDetails struct {
	// RawText is the input line, untouched.
	RawText string `json:"raw_text"`

	// Quantity is the leading quantity as written ("250", "1/2", "deux").
	Quantity string `json:"quantity,omitempty"`

	// Unit is the recognized measurement unit, if any ("g", "tranches").
	Unit string `json:"unit,omitempty"`

	// Name is the cleaned ingredient name with quantity, unit and leading
	// liaison words removed. Feed this to Normalize for a matching key.
	Name string `json:"name"`

	// Grams is the approximate weight in grams (defaults to 100 when the
	// line carries no usable quantity information).
	Grams float64 `json:"grams"`
}

// defaultGrams is used when a line has no parseable quantity or unit.
const defaultGrams = 100

// units recognized after a numeric quantity, ordered longest-first so the
// regex alternation prefers the most specific form.
var units = []string{
	"cuillères à soupe", "cuillère à soupe", "cuillères à café", "cuillère à café",
	"cuillères", "cuillère", "grammes", "gramme", "tranches", "tranche",
	"sachets", "sachet", "boîtes", "boîte", "pincées", "pincée", "pincee",
	"verres", "verre", "filets", "filet", "litres", "litre", "pots", "pot",
	"branches", "branche", "boules", "boule", "rouleaux", "rouleau",
	"tasses", "tasse", "kg", "mg", "ml", "cl", "cs", "cc",
	"tbsp", "tsp", "cups", "cup", "oz", "lb", "g", "l",
}

// unitToGrams converts a recognized unit to approximate grams per unit.
var unitToGrams = map[string]float64{
	"g": 1, "gramme": 1, "grammes": 1,
	"kg": 1000, "mg": 0.001,
	"ml": 1, "cl": 10, "l": 1000, "litre": 1000, "litres": 1000,
	"cuillère à soupe": 15, "cuillères à soupe": 15, "cs": 15, "tbsp": 15,
	"cuillère à café": 5, "cuillères à café": 5, "cc": 5, "tsp": 5,
	"cuillère": 15, "cuillères": 15,
	"pincée": 0.5, "pincées": 0.5, "pincee": 0.5,
	"verre": 150, "verres": 150, "tasse": 240, "tasses": 240, "cup": 240, "cups": 240,
	"pot": 125, "pots": 125,
	"sachet": 10, "sachets": 10,
	"tranche": 20, "tranches": 20,
	"oz": 28.35, "lb": 453.59,
	"filet": 10, "filets": 10,
	"boîte": 200, "boîtes": 200,
	"branche": 30, "branches": 30,
	"boule": 50, "boules": 50,
	"rouleau": 230, "rouleaux": 230,
	"pièce": 50,
}

// textualQuantities maps spelled-out French quantities to their value.
var textualQuantities = map[string]float64{
	"un": 1, "une": 1, "deux": 2, "trois": 3, "quatre": 4, "cinq": 5,
	"six": 6, "sept": 7, "huit": 8, "neuf": 9, "dix": 10,
}

// pieceKeywords are produce names counted per piece when a line like
// "avocat" or "2 pommes" carries no unit.
var pieceKeywords = []string{
	"pain", "avocat", "oeuf", "banane", "pomme", "poire", "orange", "citron",
	"tomate", "carotte", "courgette", "aubergine", "poivron", "oignon",
	"échalote", "ail", "figue", "abricot", "prune", "cerise", "fraise",
	"framboise", "melon", "ananas", "mangue", "kiwi", "champignon", "pêche",
	"navet", "radis", "betterave", "brocoli", "chou", "salade", "laitue",
	"endive", "épinard", "poireau", "concombre", "courge", "artichaut",
	"asperge", "steak", "saucisse", "poulet", "cuisse", "magret", "biscuit",
}

var unitPattern = buildUnitPattern()

func buildUnitPattern() string {
	quoted := make([]string, len(units))
	for i, u := range units {
		quoted[i] = regexp.QuoteMeta(u)
	}
	return strings.Join(quoted, "|")
}

var (
	reDigitLetter  = regexp.MustCompile(`(\d)([a-zA-Zàâäéèêëïîôöùûüç])`)
	reQtyUnitName  = regexp.MustCompile(`^(\d+[.,]\d*|\d+/\d+|\d+)\s*(` + unitPattern + `)?\b\s*(.*)$`)
	reTextualQty   = regexp.MustCompile(`^(une?|deux|trois|quatre|cinq|six|sept|huit|neuf|dix)\s+([a-zàâäéèêëïîôöùûüç\s.'-]+?)\s+(?:de|d')\s+(.*)$`)
	reLeadLiaison  = regexp.MustCompile(`^((?:de|d'|du|des|la|le|l'|aux|au|a|à)\s+)+`)
	reLiaisonApost = regexp.MustCompile(`^(?:d'|l')`)
)

// ParseIngredient extracts quantity, unit, name and an approximate gram
// weight from a free-form French/English ingredient line. It never fails:
// unparseable lines come back with the cleaned text as the name and the
// default gram weight.
func ParseIngredient(raw string) IngredientDetails {
	details := IngredientDetails{RawText: raw, Grams: defaultGrams}

	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		details.Name = ""
		return details
	}

	// Split quantities glued to units: "250g" → "250 g".
	text = reDigitLetter.ReplaceAllString(text, "$1 $2")

	name := text

	if m := reTextualQty.FindStringSubmatch(text); m != nil && isUnit(strings.TrimSpace(m[2])) {
		// "deux cuillères à soupe de cacao"
		details.Quantity = m[1]
		details.Unit = strings.TrimSpace(m[2])
		name = m[3]
	} else if m := reQtyUnitName.FindStringSubmatch(text); m != nil {
		details.Quantity = strings.ReplaceAll(m[1], ",", ".")
		details.Unit = strings.TrimSpace(m[2])
		name = m[3]
	}

	name = cleanIngredientName(name)
	if name == "" {
		// Quantity/unit consumed everything useful; fall back to the text
		// with just the leading quantity stripped.
		name = cleanIngredientName(reQtyUnitName.ReplaceAllString(text, "$3"))
	}
	details.Name = name

	details.Grams = approximateGrams(details.Quantity, details.Unit, name)

	// A bare produce name ("avocat") counts as one piece.
	if details.Quantity == "" && details.Unit == "" {
		details.Quantity = "1"
		if isPiece(name) {
			details.Unit = "pièce"
			details.Grams = unitToGrams["pièce"]
		}
	}

	return details
}

// cleanIngredientName strips leading liaison words, parentheticals and
// redundant whitespace from an ingredient name fragment.
func cleanIngredientName(name string) string {
	name = reParenthetical.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	name = reLeadLiaison.ReplaceAllString(name, "")
	name = reLiaisonApost.ReplaceAllString(name, "")
	name = reSpaces.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// approximateGrams converts (quantity, unit) to grams, falling back to the
// bare quantity (pieces ≈ their count in the table) or the default weight.
func approximateGrams(quantity, unit, name string) float64 {
	qty := 1.0
	haveQty := false
	if quantity != "" {
		if v, ok := parseQuantity(quantity); ok {
			qty = v
			haveQty = true
		}
	}

	if unit != "" {
		if perUnit, ok := unitToGrams[unit]; ok {
			return qty * perUnit
		}
	}

	if haveQty {
		if isPiece(name) {
			return qty * unitToGrams["pièce"]
		}
		return qty * defaultGrams
	}

	return defaultGrams
}

// parseQuantity handles decimals ("2.5"), fractions ("1/2") and spelled-out
// French numbers ("deux").
func parseQuantity(s string) (float64, bool) {
	if v, ok := textualQuantities[s]; ok {
		return v, true
	}
	if num, den, found := strings.Cut(s, "/"); found {
		n, errN := strconv.ParseFloat(num, 64)
		d, errD := strconv.ParseFloat(den, 64)
		if errN == nil && errD == nil && d != 0 {
			return n / d, true
		}
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isUnit(s string) bool {
	_, ok := unitToGrams[s]
	return ok
}

func isPiece(name string) bool {
	for _, kw := range pieceKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}
