package prompt

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pario-ai/copydesk/pkg/models"
)

// Field length limits, in characters.
const (
	MaxProductName       = 100
	MaxProductDetails    = 1000
	MaxKeywords          = 200
	MaxExtraInstructions = 500
)

// ValidationError maps a field name to a human-readable problem.
type ValidationError map[string]string

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e[k])
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the user-supplied fields of req.
func Validate(req models.GenerationRequest) error {
	errs := ValidationError{}

	switch {
	case strings.TrimSpace(req.ProductName) == "":
		errs["product_name"] = "Product name is required"
	case utf8.RuneCountInString(req.ProductName) > MaxProductName:
		errs["product_name"] = "Product name must be under 100 characters"
	}
	if utf8.RuneCountInString(req.ProductDetails) > MaxProductDetails {
		errs["product_details"] = "Product details must be under 1000 characters"
	}
	if utf8.RuneCountInString(req.Keywords) > MaxKeywords {
		errs["keywords"] = "Keywords must be under 200 characters"
	}
	if utf8.RuneCountInString(req.ExtraInstructions) > MaxExtraInstructions {
		errs["extra_instructions"] = "Extra instructions must be under 500 characters"
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
