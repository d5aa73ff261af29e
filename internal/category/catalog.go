// Package category supplies display metadata for item categories. The server
// only sends a category id; the catalog fills in name, icon and color, and
// guesses a category for optimistic items created without one.
package category

import (
	"sort"
	"strings"

	"github.com/dukerupert/listsync/internal/model"
)

var (
	Produce      = model.Category{ID: "produce", Name: "Produce", Icon: "🥬", Color: "#4CAF50"}
	Dairy        = model.Category{ID: "dairy", Name: "Dairy", Icon: "🥛", Color: "#90CAF9"}
	Meat         = model.Category{ID: "meat", Name: "Meat & Seafood", Icon: "🥩", Color: "#E57373"}
	Bakery       = model.Category{ID: "bakery", Name: "Bakery", Icon: "🍞", Color: "#D7A86E"}
	Pantry       = model.Category{ID: "pantry", Name: "Pantry", Icon: "🥫", Color: "#FFB74D"}
	Frozen       = model.Category{ID: "frozen", Name: "Frozen", Icon: "🧊", Color: "#81D4FA"}
	Beverages    = model.Category{ID: "beverages", Name: "Beverages", Icon: "🧃", Color: "#BA68C8"}
	Snacks       = model.Category{ID: "snacks", Name: "Snacks", Icon: "🍿", Color: "#FFD54F"}
	Household    = model.Category{ID: "household", Name: "Household", Icon: "🧻", Color: "#A1887F"}
	PersonalCare = model.Category{ID: "personal_care", Name: "Personal Care", Icon: "🧴", Color: "#F48FB1"}
	Other        = model.Category{ID: "other", Name: "Other", Icon: "🛒", Color: "#B0BEC5"}
)

// All returns the built-in categories in display order.
func All() []model.Category {
	return []model.Category{Produce, Dairy, Meat, Bakery, Pantry, Frozen, Beverages, Snacks, Household, PersonalCare, Other}
}

// Lookup returns the display metadata for a category id. Unknown ids (for
// example server-side uuids) come back with only the id set.
func Lookup(id string) model.Category {
	for _, c := range All() {
		if c.ID == id {
			return c
		}
	}
	return model.Category{ID: id}
}

// Decorate fills in missing display fields of c from the catalog.
func Decorate(c *model.Category) {
	if c == nil {
		return
	}
	known := Lookup(c.ID)
	if c.Name == "" {
		c.Name = known.Name
	}
	if c.Icon == "" {
		c.Icon = known.Icon
	}
	if c.Color == "" {
		c.Color = known.Color
	}
}

// Guess categorizes an item by name: a whole-name match wins, otherwise the
// longest keyword contained in the name. Falls back to Other.
func Guess(itemName string) model.Category {
	name := strings.ToLower(strings.TrimSpace(itemName))
	if name == "" {
		return Other
	}
	if c, ok := names[name]; ok {
		return c
	}
	for _, kw := range keywords {
		if strings.Contains(name, kw.word) {
			return kw.category
		}
	}
	return Other
}

type keyword struct {
	word     string
	category model.Category
}

var (
	names    map[string]model.Category
	keywords []keyword
)

var vocabulary = []struct {
	category model.Category
	names    []string
	keywords []string
}{
	{
		category: Produce,
		names: []string{
			"apple", "apples", "banana", "bananas", "orange", "oranges", "lemon", "lemons",
			"lime", "limes", "avocado", "avocados", "tomato", "tomatoes", "potato", "potatoes",
			"onion", "onions", "garlic", "lettuce", "spinach", "kale", "broccoli", "carrots",
			"celery", "cucumber", "peppers", "mushrooms", "corn", "grapes", "strawberries",
			"blueberries", "pear", "pears", "cilantro", "basil", "parsley", "ginger", "zucchini",
		},
		keywords: []string{"berry", "berries", "lettuce", "salad", "apple", "banana", "pepper", "onion", "herb"},
	},
	{
		category: Dairy,
		names:    []string{"milk", "butter", "cheese", "yogurt", "cream", "eggs", "egg", "sour cream"},
		keywords: []string{"milk", "cheese", "yogurt", "butter", "cream cheese", "half and half", "egg"},
	},
	{
		category: Meat,
		names:    []string{"chicken", "beef", "pork", "bacon", "turkey", "salmon", "shrimp", "tuna", "sausage", "ham"},
		keywords: []string{"chicken", "beef", "steak", "pork", "ground turkey", "salmon", "fish", "shrimp", "sausage", "bacon"},
	},
	{
		category: Bakery,
		names:    []string{"bread", "bagels", "muffins", "tortillas", "buns", "rolls", "croissants"},
		keywords: []string{"bread", "bagel", "muffin", "tortilla", "bun", "baguette", "croissant"},
	},
	{
		category: Pantry,
		names:    []string{"rice", "pasta", "flour", "sugar", "salt", "oil", "olive oil", "cereal", "oatmeal", "honey"},
		keywords: []string{"olive oil", "maple syrup", "soy sauce", "pasta sauce", "canned", "cereal", "rice", "pasta", "noodle", "flour", "spice", "sauce", "broth", "soup", "bean", "lentil"},
	},
	{
		category: Frozen,
		names:    []string{"ice cream", "frozen pizza", "frozen vegetables"},
		keywords: []string{"frozen", "ice cream", "popsicle"},
	},
	{
		category: Beverages,
		names:    []string{"coffee", "tea", "juice", "soda", "water", "beer", "wine"},
		keywords: []string{"sparkling water", "orange juice", "coffee", "juice", "soda", "water", "beer", "wine", "drink"},
	},
	{
		category: Snacks,
		names:    []string{"chips", "crackers", "cookies", "popcorn", "pretzels", "candy", "chocolate"},
		keywords: []string{"granola bar", "trail mix", "chip", "cracker", "cookie", "popcorn", "pretzel", "candy", "chocolate", "snack"},
	},
	{
		category: Household,
		names:    []string{"paper towels", "toilet paper", "trash bags", "dish soap", "detergent", "sponges", "foil"},
		keywords: []string{"paper towel", "toilet paper", "trash bag", "dish soap", "laundry", "detergent", "cleaner", "sponge", "battery", "light bulb"},
	},
	{
		category: PersonalCare,
		names:    []string{"shampoo", "conditioner", "toothpaste", "deodorant", "soap", "lotion", "sunscreen"},
		keywords: []string{"body wash", "shampoo", "conditioner", "toothpaste", "toothbrush", "deodorant", "lotion", "razor", "tissue"},
	},
}

func init() {
	names = make(map[string]model.Category)
	for _, v := range vocabulary {
		for _, n := range v.names {
			names[n] = v.category
		}
		for _, w := range v.keywords {
			keywords = append(keywords, keyword{word: w, category: v.category})
		}
	}
	// Longer keywords are more specific: "orange juice" before "orange".
	sort.SliceStable(keywords, func(i, j int) bool {
		return len(keywords[i].word) > len(keywords[j].word)
	})
}
