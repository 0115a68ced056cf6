package matching

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	// merchantMatchThreshold is the minimum similarity for a merchant match.
	merchantMatchThreshold = 0.7
	// containmentSimilarity is the floor applied when one normalized name
	// contains the other, e.g. "starbucks" within "starbucksstore1234".
	containmentSimilarity = 0.85
	minContainmentLen     = 3
)

// NormalizeMerchant lowercases s and strips everything that is not a letter
// or digit, so "STARBUCKS #1234" and "Starbucks 1234" compare equal.
func NormalizeMerchant(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MerchantSimilarity returns a [0,1] similarity of two merchant names after
// normalization. Either name being empty yields zero.
func MerchantSimilarity(a, b string) float64 {
	na, nb := NormalizeMerchant(a), NormalizeMerchant(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	la, lb := utf8.RuneCountInString(na), utf8.RuneCountInString(nb)
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	sim := 1 - float64(levenshtein.ComputeDistance(na, nb))/float64(maxLen)

	shorter, longer := na, nb
	if lb < la {
		shorter, longer = nb, na
	}
	if utf8.RuneCountInString(shorter) >= minContainmentLen && strings.Contains(longer, shorter) && sim < containmentSimilarity {
		sim = containmentSimilarity
	}
	return sim
}
