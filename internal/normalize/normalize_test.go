package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases and folds accents", "Tomates Cerise", "tomates cerise"},
		{"strips accents", "Échalote grisée", "echalote grisee"},
		{"removes parentheticals", "poivre (noir)", "poivre"},
		{"keeps first alternative", "magret ou filet", "magret"},
		{"splits on slash", "pomme de terre/patate", "pomme terre"},
		{"removes stop words", "gousse de l'ail", "gousse ail"},
		{"removes adjectives", "framboises fraîches", "framboises"},
		{"removes plural adjectives", "haricots verts", "haricots"},
		{"removes quantity and unit", "250 g de sucre", "sucre"},
		{"removes bare numbers", "biscuit thé de lu 12", "biscuit the lu"},
		{"collapses whitespace", "  creme   fleurette  ", "creme fleurette"},
		{"empty input", "", ""},
		{"garbage input", "$$$ !!! 123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	in := "500 g de Pommes de Terre nouvelles (bio)"
	first := Normalize(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Normalize(in))
	}
}

func TestNormalizeExtraStopTerms(t *testing.T) {
	n := New("surgele", "marque")
	assert.Equal(t, "haricots", n.Normalize("haricots marque surgele"))

	// The default normalizer is unaffected.
	assert.Equal(t, "haricots marque surgele", Normalize("haricots marque surgele"))
}

func TestParseIngredient(t *testing.T) {
	tests := []struct {
		in       string
		quantity string
		unit     string
		name     string
		grams    float64
	}{
		{"250 g de sucre", "250", "g", "sucre", 250},
		{"2 kg de prune", "2", "kg", "prune", 2000},
		{"10 cl de vin blanc", "10", "cl", "vin blanc", 100},
		{"1/2 l de lait", "1/2", "l", "lait", 500},
		{"10 tranches de fromage à raclette", "10", "tranches", "fromage à raclette", 200},
		{"deux cuillères à soupe de cacao en poudre", "deux", "cuillères à soupe", "cacao en poudre", 30},
		{"1 pincées de cumin", "1", "pincées", "cumin", 0.5},
		{"600 g d'abricot", "600", "g", "abricot", 600},
		{"avocat", "1", "pièce", "avocat", 50},
		{"2 pommes de terre", "2", "", "pommes de terre", 100},
		{"dé de mimolette", "1", "", "dé de mimolette", 100},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseIngredient(tt.in)
			assert.Equal(t, tt.in, got.RawText)
			assert.Equal(t, tt.quantity, got.Quantity)
			assert.Equal(t, tt.unit, got.Unit)
			assert.Equal(t, tt.name, got.Name)
			assert.InDelta(t, tt.grams, got.Grams, 0.001)
		})
	}
}

func TestParseIngredientGluedUnit(t *testing.T) {
	got := ParseIngredient("250g de sucre roux")
	assert.Equal(t, "250", got.Quantity)
	assert.Equal(t, "g", got.Unit)
	assert.InDelta(t, 250, got.Grams, 0.001)
}

func TestParseIngredientEmptyInput(t *testing.T) {
	got := ParseIngredient("")
	assert.Empty(t, got.Name)
	assert.InDelta(t, float64(defaultGrams), got.Grams, 0.001)
}
