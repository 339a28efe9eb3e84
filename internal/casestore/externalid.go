package casestore

import (
	"fmt"
	"time"
)

// ExternalIDPrefix is the human-visible case number prefix.
const ExternalIDPrefix = "SVC"

const (
	minSuffixWidth = 7
	maxSuffixWidth = 10
)

// externalID builds SVC-<year>-<suffix> where the suffix is derived from the
// current time, zero-padded to width digits. Collisions are resolved by the
// caller widening the suffix (7 → 8 → 9 → 10).
func externalID(now time.Time, width int) string {
	if width < minSuffixWidth {
		width = minSuffixWidth
	}
	if width > maxSuffixWidth {
		width = maxSuffixWidth
	}
	mod := int64(1)
	for i := 0; i < width; i++ {
		mod *= 10
	}
	suffix := now.UnixNano() % mod
	return fmt.Sprintf("%s-%04d-%0*d", ExternalIDPrefix, now.UTC().Year(), width, suffix)
}
