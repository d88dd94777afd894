package resultflag

import "testing"

func TestMap(t *testing.T) {
	cases := map[string]string{
		"N":            Normal,
		"H":            High,
		"L":            Low,
		"HH":           CriticalHigh,
		"PH":           CriticalHigh,
		">":            CriticalHigh,
		"LL":           CriticalLow,
		"PL":           CriticalLow,
		"<":            CriticalLow,
		"POS":          Positive,
		"POSITIVE":     Positive,
		"REACTIVE":     Positive,
		"NEG":          Negative,
		"NEGATIVE":     Negative,
		"NONREACTIVE":  Negative,
		"NON-REACTIVE": Negative,
		"A":            Abnormal,
		"AA":           Abnormal,
		"ABN":          Abnormal,
	}
	for in, want := range cases {
		if got := Map(in); got != want {
			t.Errorf("Map(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapNormalizes(t *testing.T) {
	if got := Map("  hh "); got != CriticalHigh {
		t.Errorf("expected lowercase padded input to map, got %q", got)
	}
}

func TestMapUnknown(t *testing.T) {
	for _, in := range []string{"", "X", "12", "WEIRD"} {
		if got := Map(in); got != "" {
			t.Errorf("Map(%q) = %q, want empty", in, got)
		}
	}
}
