package transaction

import (
	"regexp"
	"strings"
)

// Internal category labels
const (
	CategoryFood           = "food"
	CategoryTransportation = "transportation"
	CategoryEntertainment  = "entertainment"
	CategoryUtilities      = "utilities"
	CategoryShopping       = "shopping"
	CategoryHealth         = "health"
)

// CategoryRule binds a category label to the keywords that select it.
type CategoryRule struct {
	Category string
	Keywords []string
}

// DefaultRules is evaluated in order; the first category with a matching
// keyword wins. "gas" sits under transportation before "gas bill" under
// utilities, so "Gas bill" resolves to transportation.
var DefaultRules = []CategoryRule{
	{CategoryFood, []string{"uber eats", "doordash", "starbucks", "mcdonalds", "restaurant", "cafe", "grocery", "walmart", "kroger", "whole foods"}},
	{CategoryTransportation, []string{"uber", "lyft", "gas", "shell", "chevron", "train", "bus", "subway", "parking"}},
	{CategoryEntertainment, []string{"netflix", "spotify", "hulu", "disney+", "cinema", "theater", "game", "steam"}},
	{CategoryUtilities, []string{"electric", "water", "gas bill", "internet", "comcast", "verizon", "at&t"}},
	{CategoryShopping, []string{"amazon", "ebay", "target", "best buy", "apple", "fashion", "clothing"}},
	{CategoryHealth, []string{"pharmacy", "cvs", "walgreens", "doctor", "hospital", "gym", "fitness"}},
}

type compiledRule struct {
	category string
	patterns []*regexp.Regexp
}

// Categorizer assigns a category label from a free-text description using
// whole-word, case-insensitive keyword matching.
type Categorizer struct {
	rules []compiledRule
}

// NewCategorizer compiles rules. Keywords may contain punctuation ("at&t",
// "disney+"), so boundaries are "not a word character" rather than \b.
func NewCategorizer(rules []CategoryRule) *Categorizer {
	c := &Categorizer{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		cr := compiledRule{category: rule.Category}
		for _, kw := range rule.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			cr.patterns = append(cr.patterns, regexp.MustCompile(`(?i)(?:^|[^\w])`+regexp.QuoteMeta(kw)+`(?:[^\w]|$)`))
		}
		c.rules = append(c.rules, cr)
	}
	return c
}

// Categorize returns the first matching category, or nil.
func (c *Categorizer) Categorize(description string) *string {
	if strings.TrimSpace(description) == "" {
		return nil
	}
	for _, rule := range c.rules {
		for _, p := range rule.patterns {
			if p.MatchString(description) {
				category := rule.category
				return &category
			}
		}
	}
	return nil
}

var defaultCategorizer = NewCategorizer(DefaultRules)

// Categorize runs the default rule set.
func Categorize(description string) *string {
	return defaultCategorizer.Categorize(description)
}

type ProviderCategory struct {
	ProviderName string `json:"providerName"`
	Label        string `json:"label"`
}

// ProviderCategoryMapping maps the aggregator's personal-finance primary
// category to an internal label. Primaries without an internal equivalent
// are absent and fall through to keyword categorization.
var ProviderCategoryMapping = map[string]ProviderCategory{
	"FOOD_AND_DRINK": {
		ProviderName: "Food and drink",
		Label:        CategoryFood,
	},
	"TRANSPORTATION": {
		ProviderName: "Transportation",
		Label:        CategoryTransportation,
	},
	"TRAVEL": {
		ProviderName: "Travel",
		Label:        CategoryTransportation,
	},
	"ENTERTAINMENT": {
		ProviderName: "Entertainment",
		Label:        CategoryEntertainment,
	},
	"RENT_AND_UTILITIES": {
		ProviderName: "Rent and utilities",
		Label:        CategoryUtilities,
	},
	"GENERAL_MERCHANDISE": {
		ProviderName: "General merchandise",
		Label:        CategoryShopping,
	},
	"MEDICAL": {
		ProviderName: "Medical",
		Label:        CategoryHealth,
	},
	"PERSONAL_CARE": {
		ProviderName: "Personal care",
		Label:        CategoryHealth,
	},
}

// TranslateProviderCategory returns the internal label for an aggregator
// primary category code, or nil if there is no mapping.
func TranslateProviderCategory(primary string) *string {
	if primary == "" {
		return nil
	}
	cat, ok := ProviderCategoryMapping[strings.ToUpper(primary)]
	if !ok {
		return nil
	}
	label := cat.Label
	return &label
}
