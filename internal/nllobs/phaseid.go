package nllobs

import "strings"

// PhaseIDTable maps a canonical phase name to its accepted synonyms, per
// spec.md section 6's LOCPHASEID control statement (e.g. "P ≡ p ≡ Pn ≡
// Pg"). A canonical entry of "*" matches any phase not claimed by a more
// specific rule, per the wildcard equivalence supplemented from
// original_source/custom_eth/new_sedlib.c (SPEC_FULL.md section 6).
type PhaseIDTable struct {
	canonOf map[string]string // synonym (lowercased) -> canonical
	wildcard string
}

// NewPhaseIDTable builds a table from canonical -> synonym-list pairs.
func NewPhaseIDTable(rules map[string][]string) *PhaseIDTable {
	t := &PhaseIDTable{canonOf: make(map[string]string)}
	for canon, synonyms := range rules {
		if canon == "*" {
			// the synonym list for "*" is ignored; presence of the "*" key
			// just designates the fallback canonical phase.
			continue
		}
		t.canonOf[strings.ToLower(canon)] = canon
		for _, s := range synonyms {
			t.canonOf[strings.ToLower(s)] = canon
		}
	}
	if synonyms, ok := rules["*"]; ok && len(synonyms) == 1 {
		t.wildcard = synonyms[0]
	}
	return t
}

// DefaultPhaseIDTable provides the conventional P/S equivalence classes.
func DefaultPhaseIDTable() *PhaseIDTable {
	return NewPhaseIDTable(map[string][]string{
		"P": {"p", "Pn", "Pg", "Pb"},
		"S": {"s", "Sn", "Sg", "Sb"},
	})
}

// Canonical resolves a raw phase label to its canonical form. If no rule
// matches and a wildcard canonical was configured, that is returned;
// otherwise the raw label is returned unchanged.
func (t *PhaseIDTable) Canonical(raw string) string {
	if t == nil {
		return raw
	}
	if c, ok := t.canonOf[strings.ToLower(raw)]; ok {
		return c
	}
	if t.wildcard != "" {
		return t.wildcard
	}
	return raw
}
