// Package fingerprint derives deterministic cache keys from generation
// parameters.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pario-ai/copydesk/pkg/models"
)

// ErrInvalidParameters is matched by every InvalidParametersError.
var ErrInvalidParameters = errors.New("invalid generation parameters")

// InvalidParametersError lists the required fields that were missing.
type InvalidParametersError struct {
	Fields []string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrInvalidParameters, strings.Join(e.Fields, ", "))
}

func (e *InvalidParametersError) Unwrap() error { return ErrInvalidParameters }

// Keys that identify a request rather than its content.
var excluded = map[string]bool{
	"session_id": true,
	"client_id":  true,
	"request_id": true,
	"timestamp":  true,
}

// Compute returns the fingerprint of p. Two requests with the same
// content-relevant fields always produce the same fingerprint.
func Compute(p models.GenerationRequest) (string, error) {
	return FromMap(toMap(p))
}

// FromMap fingerprints a raw parameter payload. Key order is irrelevant,
// whitespace around string values is trimmed and empty values are treated
// as absent.
func FromMap(params map[string]any) (string, error) {
	canon := make(map[string]any, len(params))
	for k, v := range params {
		if excluded[k] {
			continue
		}
		if v = normalize(v); v != nil {
			canon[k] = v
		}
	}

	if _, ok := canon["kind"]; !ok {
		canon["kind"] = string(models.KindDescription)
	}
	if missing := missingFields(canon); len(missing) > 0 {
		return "", &InvalidParametersError{Fields: missing}
	}

	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func missingFields(canon map[string]any) []string {
	var missing []string
	if _, ok := canon["product_name"]; !ok {
		missing = append(missing, "product_name")
	}
	modelKey := "text_model"
	if canon["kind"] == string(models.KindImage) {
		modelKey = "image_model"
	}
	if _, ok := canon[modelKey]; !ok {
		missing = append(missing, modelKey)
	}
	sort.Strings(missing)
	return missing
}

func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return nil
		}
		return x
	case models.GenerationKind:
		return normalize(string(x))
	case bool:
		if !x {
			return nil
		}
		return x
	default:
		return v
	}
}

func toMap(p models.GenerationRequest) map[string]any {
	out := make(map[string]any)
	v := reflect.ValueOf(p)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("fingerprint") == "-" {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		out[name] = v.Field(i).Interface()
	}
	return out
}
