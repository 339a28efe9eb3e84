package core

import (
	"fmt"
	"time"
)

// ProcessingRootPrefix is the destination-container prefix under which all
// pipeline artifacts for a submission are written.
const ProcessingRootPrefix = "service_ops_processing"

// PathBuilder derives the deterministic blob paths for a submission. Paths
// depend only on (decision_tracking_id, case_id, date), so reruns overwrite
// the same blobs instead of duplicating them.
type PathBuilder struct {
	DecisionTrackingID string
	CaseID             int64
	Date               time.Time
}

// Root returns service_ops_processing/<YYYY>/<MM>-<DD>/<decision_tracking_id>.
func (p PathBuilder) Root() string {
	d := p.Date.UTC()
	return fmt.Sprintf("%s/%04d/%02d-%02d/%s",
		ProcessingRootPrefix, d.Year(), int(d.Month()), d.Day(), p.DecisionTrackingID)
}

// Consolidated returns the path of the merged packet PDF.
func (p PathBuilder) Consolidated() string {
	return fmt.Sprintf("%s/packet_%d.pdf", p.Root(), p.CaseID)
}

// PagesPrefix returns the folder prefix holding the per-page PDFs.
func (p PathBuilder) PagesPrefix() string {
	return fmt.Sprintf("%s/packet_%d_pages", p.Root(), p.CaseID)
}

// Page returns the path of one split page. Page numbers are 1-indexed and
// zero-padded to four digits.
func (p PathBuilder) Page(page int) string {
	return fmt.Sprintf("%s/packet_%d_page_%04d.pdf", p.PagesPrefix(), p.CaseID, page)
}
