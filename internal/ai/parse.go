package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// cleanModelJSON strips the Markdown fences and surrounding chatter models
// sometimes emit despite instructions, keeping only the JSON payload.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	// Keep only the outermost JSON value if junk remains around it.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start != -1 && end > start {
			return strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

// decodeJSON unmarshals cleaned model output into the target, preserving
// numeric precision for later decimal conversion.
func decodeJSON(raw string, target any) error {
	dec := json.NewDecoder(strings.NewReader(cleanModelJSON(raw)))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decoding model output: %w (raw: %.200s)", err, raw)
	}
	return nil
}

// toDecimal converts the loosely typed numbers the model returns. Values may
// arrive as JSON numbers or as strings with either decimal separator.
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("missing value")
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		s := strings.TrimSpace(n)
		s = strings.ReplaceAll(s, "R$", "")
		s = strings.TrimSpace(s)
		if strings.Contains(s, ",") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		}
		return decimal.NewFromString(s)
	}
	return decimal.Zero, fmt.Errorf("unexpected value type %T", v)
}
