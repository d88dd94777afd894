// Package resultflag translates instrument abnormal-flag codes into the
// internal result-flag vocabulary shared by the HL7 and ASTM pipelines.
package resultflag

import "strings"

// Internal flag vocabulary.
const (
	Normal       = "N"
	High         = "H"
	Low          = "L"
	CriticalHigh = "HH"
	CriticalLow  = "LL"
	Positive     = "POS"
	Negative     = "NEG"
	Abnormal     = "ABN"
)

// Map returns the internal flag for an instrument-reported abnormal flag,
// or "" when the code is unrecognized.
func Map(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "N":
		return Normal
	case "H":
		return High
	case "L":
		return Low
	case "HH", "PH", ">":
		return CriticalHigh
	case "LL", "PL", "<":
		return CriticalLow
	case "POS", "POSITIVE", "REACTIVE":
		return Positive
	case "NEG", "NEGATIVE", "NONREACTIVE", "NON-REACTIVE":
		return Negative
	case "A", "AA", "ABN":
		return Abnormal
	default:
		return ""
	}
}
