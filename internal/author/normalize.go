package author

import (
	"strings"
	"unicode"
)

// Scoring weights of the two similarity components
const (
	NameWeight        = 0.7
	AffiliationWeight = 0.3
)

// Name similarity levels
const (
	nameExact        = 1.0
	nameInitials     = 0.8 // same family name, given names compatible as initials
	nameSurnameOnly  = 0.6 // one side has no given names
	nameIncompatible = 0.2 // same family name, different given names
)

// neutralAffiliation is used when either side has no affiliation
const neutralAffiliation = 0.5

var affiliationNoise = map[string]bool{
	"the": true, "and": true, "for": true, "of": true, "university": true, "institute": true,
	"department": true, "dept": true, "school": true, "center": true, "centre": true,
	"college": true, "faculty": true, "laboratory": true, "lab": true,
}

// Normalize lowercases a display name, reorders "Last, First" and strips
// punctuation: "Smith, J. A." becomes "j a smith"
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, ","); i > 0 {
		name = name[i+1:] + " " + name[:i]
	}
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-' && r != '\''
	})
	for i, f := range fields {
		fields[i] = strings.Trim(f, "-'")
	}
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// NameSimilarity compares two normalized names
func NameSimilarity(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if a == b {
		return nameExact
	}
	if ta[len(ta)-1] != tb[len(tb)-1] {
		return 0
	}

	ga, gb := ta[:len(ta)-1], tb[:len(tb)-1]
	if len(ga) == 0 || len(gb) == 0 {
		return nameSurnameOnly
	}
	for i := 0; i < len(ga) && i < len(gb); i++ {
		x, y := ga[i], gb[i]
		if x == y {
			continue
		}
		if (len(x) == 1 && strings.HasPrefix(y, x)) || (len(y) == 1 && strings.HasPrefix(x, y)) {
			continue
		}
		return nameIncompatible
	}
	return nameInitials
}

// AffiliationSimilarity is the best token Jaccard overlap between any pair
// of affiliations, or a neutral value when either side has none
func AffiliationSimilarity(a, b []string) float64 {
	best, seen := 0.0, false
	for _, x := range a {
		tx := affiliationTokens(x)
		if len(tx) == 0 {
			continue
		}
		for _, y := range b {
			ty := affiliationTokens(y)
			if len(ty) == 0 {
				continue
			}
			seen = true
			if j := jaccard(tx, ty); j > best {
				best = j
			}
		}
	}
	if !seen {
		return neutralAffiliation
	}
	return best
}

func affiliationTokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) >= 2 && !affiliationNoise[tok] {
			out[tok] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
