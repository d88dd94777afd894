package ingestion

import (
	"math"
	"strconv"
	"strings"
)

// ParseValue splits a raw instrument value into a numeric result and a text
// result. Numeric values get the mapping multiplier applied and are rounded
// to four decimal places; leading range markers ("<", ">", "<=", ">=") are
// stripped before the numeric attempt. Anything non-numeric is carried as
// text verbatim. Both protocols share this so a given raw value always
// produces the same stored value.
func ParseValue(raw string, multiplier *float64) (value *string, text *string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	numeric := trimmed
	for _, prefix := range []string{"<=", ">=", "<", ">"} {
		if strings.HasPrefix(numeric, prefix) {
			numeric = strings.TrimSpace(strings.TrimPrefix(numeric, prefix))
			break
		}
	}

	f, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return nil, &trimmed
	}

	if multiplier != nil {
		f *= *multiplier
	}
	f = math.Round(f*10000) / 10000

	s := strconv.FormatFloat(f, 'f', -1, 64)
	return &s, nil
}
