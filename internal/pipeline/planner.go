package pipeline

import (
	"github.com/svcops/intake/internal/core"
)

// ResumePoint is the single entry point the planner picks for a claim.
type ResumePoint int

const (
	ResumeBeginning ResumePoint = iota
	ResumeFromMerge
	ResumeFromSplit
	ResumeFromOCR
	ResumeAlreadyDone
)

func (r ResumePoint) String() string {
	switch r {
	case ResumeBeginning:
		return "beginning"
	case ResumeFromMerge:
		return "merge"
	case ResumeFromSplit:
		return "split"
	case ResumeFromOCR:
		return "ocr"
	case ResumeAlreadyDone:
		return "already_done"
	default:
		return "unknown"
	}
}

// Plan derives where processing resumes from the Document checkpoints alone.
// Checkpoints commit in separate transactions, so any prefix of them may be
// present after a crash; split_status=DONE is never trusted without
// re-validating pages_metadata.
func Plan(doc *core.Document) ResumePoint {
	if doc == nil {
		return ResumeBeginning
	}
	if doc.OCRStatus == core.StageDone {
		return ResumeAlreadyDone
	}
	if doc.SplitStatus == core.StageDone {
		if doc.PagesMetadata.WellFormed() {
			return ResumeFromOCR
		}
		// Partial write: status landed but the metadata did not survive.
		return ResumeFromSplit
	}
	if doc.ConsolidatedBlobPath != nil && *doc.ConsolidatedBlobPath != "" {
		return ResumeFromSplit
	}
	return ResumeFromMerge
}
