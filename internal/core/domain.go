// Package core holds the persistent entities of the intake pipeline:
// inbox rows, the polling watermark, the per-submission Case aggregate and
// its consolidated Document artifact.
package core

import (
	"time"
)

// ============================================================================
// ENUMS
// ============================================================================

// ChannelType identifies the upstream intake channel of a submission.
type ChannelType int

const (
	ChannelPortal ChannelType = 1
	ChannelFax    ChannelType = 2
	ChannelESMD   ChannelType = 3
)

// NormalizeChannel maps nil/unknown channel ids to ESMD, the documented default.
func NormalizeChannel(id *int) ChannelType {
	if id == nil {
		return ChannelESMD
	}
	switch ChannelType(*id) {
	case ChannelPortal, ChannelFax, ChannelESMD:
		return ChannelType(*id)
	default:
		return ChannelESMD
	}
}

func (c ChannelType) String() string {
	switch c {
	case ChannelPortal:
		return "PORTAL"
	case ChannelFax:
		return "FAX"
	case ChannelESMD:
		return "ESMD"
	default:
		return "UNKNOWN"
	}
}

// MessageType identifies the kind of upstream source message.
type MessageType int

const (
	MessageIntake     MessageType = 1
	MessageAckSuccess MessageType = 2
	MessageAckFail    MessageType = 3
)

// NormalizeMessageType maps a nil message type id to intake.
func NormalizeMessageType(id *int) MessageType {
	if id == nil {
		return MessageIntake
	}
	return MessageType(*id)
}

// InboxStatus is the processing state of a local inbox row.
type InboxStatus string

const (
	InboxNew        InboxStatus = "NEW"
	InboxProcessing InboxStatus = "PROCESSING"
	InboxDone       InboxStatus = "DONE"
	InboxFailed     InboxStatus = "FAILED"
	InboxDead       InboxStatus = "DEAD"
)

// StageStatus tracks the split and OCR stages on a Document.
type StageStatus string

const (
	StageNotStarted StageStatus = "NOT_STARTED"
	StageInProgress StageStatus = "IN_PROGRESS"
	StageDone       StageStatus = "DONE"
	StageFailed     StageStatus = "FAILED"
	StageSkipped    StageStatus = "SKIPPED"
)

// PartType is the regulatory categorization derived from coversheet text.
type PartType string

const (
	PartA       PartType = "PART_A"
	PartB       PartType = "PART_B"
	PartUnknown PartType = "UNKNOWN"
)

// SubmissionType is the SLA classification that drives the due date.
type SubmissionType string

const (
	SubmissionExpedited SubmissionType = "Expedited"
	SubmissionStandard  SubmissionType = "Standard"
	SubmissionUnset     SubmissionType = ""
)

// TBD is the sentinel written into placeholder Case columns before the
// extraction stage fills them. Sync only overwrites columns still holding it.
const TBD = "TBD"

// DetailedStatusNew is the initial Case detailed status.
const DetailedStatusNew = "Pending - New"

// Field bundle sources.
const (
	SourcePayloadInitial = "PAYLOAD_INITIAL"
	SourceOCRInitial     = "OCR_INITIAL"
)

// ============================================================================
// SOURCE + INBOX
// ============================================================================

// SourceMessage is one row of the upstream source table. This core never
// mutates it.
type SourceMessage struct {
	MessageID          int64
	DecisionTrackingID string
	Payload            []byte
	ChannelTypeID      *int
	MessageTypeID      *int
	CreatedAt          time.Time
	IsDeleted          bool
}

// InboxRow is the local processing state for one upstream message. One row
// per message_id, enforced by a unique index.
type InboxRow struct {
	InboxID            int64
	MessageID          int64
	DecisionTrackingID string
	MessageType        MessageType
	SourceCreatedAt    time.Time
	Status             InboxStatus
	AttemptCount       int
	LockedBy           *string
	LockedAt           *time.Time
	NextAttemptAt      time.Time
	LastError          *string
	ChannelTypeID      ChannelType
}

// Watermark is the polling high-water mark over the source table. Only rows
// strictly greater than the tuple in lexicographic order are considered new.
type Watermark struct {
	LastCreatedAt time.Time
	LastMessageID int64
}

// Less reports whether w precedes other in (created_at, message_id) order.
func (w Watermark) Less(other Watermark) bool {
	if w.LastCreatedAt.Before(other.LastCreatedAt) {
		return true
	}
	if w.LastCreatedAt.Equal(other.LastCreatedAt) {
		return w.LastMessageID < other.LastMessageID
	}
	return false
}

// Max returns the element-wise maximum of the two tuples, matching the
// upsert semantics of the watermark table.
func (w Watermark) Max(other Watermark) Watermark {
	out := w
	if other.LastCreatedAt.After(out.LastCreatedAt) {
		out.LastCreatedAt = other.LastCreatedAt
	}
	if other.LastMessageID > out.LastMessageID {
		out.LastMessageID = other.LastMessageID
	}
	return out
}

// ============================================================================
// FIELDS
// ============================================================================

// Field is one extracted value with its recognition confidence.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	FieldType  string  `json:"field_type"`
}

// FieldBundle is a named set of extracted fields plus provenance. The
// baseline bundle on a Document is immutable once set; the working copy is
// deep-cloned from it.
type FieldBundle struct {
	Fields         map[string]Field `json:"fields"`
	Source         string           `json:"source"`
	CoversheetType string           `json:"coversheet_type,omitempty"`
}

// Clone returns a deep copy of the bundle.
func (b *FieldBundle) Clone() *FieldBundle {
	if b == nil {
		return nil
	}
	out := &FieldBundle{
		Fields:         make(map[string]Field, len(b.Fields)),
		Source:         b.Source,
		CoversheetType: b.CoversheetType,
	}
	for k, v := range b.Fields {
		out.Fields[k] = v
	}
	return out
}

// Empty reports whether the bundle carries no fields.
func (b *FieldBundle) Empty() bool {
	return b == nil || len(b.Fields) == 0
}

// ============================================================================
// CASE
// ============================================================================

// Case is the per-decision-tracking-id aggregate. At most one per tracking
// id, enforced by a unique index.
type Case struct {
	CaseID             int64
	ExternalID         string
	DecisionTrackingID string
	ChannelSpecificID  *string
	ReceivedDate       time.Time
	DueDate            time.Time
	SubmissionType     SubmissionType
	ChannelTypeID      ChannelType
	DetailedStatus     string

	// Placeholder columns filled by the extraction stage, TBD until then.
	BeneficiaryName string
	BeneficiaryMBI  string
	ProviderName    string
	ProviderNPI     string
}

// ComputeDueDate derives the SLA deadline: received date normalized to
// midnight UTC, plus 48h for expedited or 72h otherwise, normalized to
// midnight again.
func ComputeDueDate(received time.Time, st SubmissionType) time.Time {
	day := received.UTC().Truncate(24 * time.Hour)
	if st == SubmissionExpedited {
		day = day.Add(48 * time.Hour)
	} else {
		day = day.Add(72 * time.Hour)
	}
	return day.Truncate(24 * time.Hour)
}

// ============================================================================
// DOCUMENT
// ============================================================================

// PageMeta describes one split page artifact.
type PageMeta struct {
	PageNumber    int      `json:"page_number"`
	BlobPath      string   `json:"blob_path"`
	ContentType   string   `json:"content_type"`
	SizeBytes     int64    `json:"size_bytes"`
	SHA256        string   `json:"sha256"`
	IsCoversheet  bool     `json:"is_coversheet"`
	OCRConfidence *float64 `json:"ocr_confidence,omitempty"`
	OCRStatus     string   `json:"ocr_status,omitempty"`
}

// PagesMetadata is the structured split result stored on the Document.
type PagesMetadata struct {
	Version int        `json:"version"`
	Pages   []PageMeta `json:"pages"`
}

// WellFormed is the Resume Planner's validation: split_status=DONE is only
// trusted when every entry has a positive page number and a non-empty path.
func (m *PagesMetadata) WellFormed() bool {
	if m == nil || len(m.Pages) == 0 {
		return false
	}
	for _, p := range m.Pages {
		if p.PageNumber < 1 || p.BlobPath == "" {
			return false
		}
	}
	return true
}

// OCR page statuses recorded in OCRMetadata.
const (
	OCRPageProcessed = "processed"
	OCRPageSkipped   = "skipped"
	OCRPageError     = "error"
)

// OCRPageMeta annotates one page that was in scope for field extraction.
type OCRPageMeta struct {
	PageNumber int              `json:"page_number"`
	Fields     map[string]Field `json:"fields,omitempty"`
	Confidence float64          `json:"confidence"`
	DurationMs int64            `json:"duration_ms"`
	Status     string           `json:"status"`
	SkipReason string           `json:"skip_reason,omitempty"`
}

// OCRMetadata is the structured extraction result stored on the Document.
type OCRMetadata struct {
	Version              int           `json:"version"`
	Pages                []OCRPageMeta `json:"pages"`
	CoversheetPageNumber *int          `json:"coversheet_page_number,omitempty"`
	PartType             PartType      `json:"part_type"`
	Source               string        `json:"source"`
}

// Document is the single consolidated artifact of a Case. Exactly one per
// Case, enforced by a unique index on case_id.
type Document struct {
	DocumentID           int64
	CaseID               int64
	ExternalID           string
	FileName             string
	ConsolidatedBlobPath *string
	FileSize             int64
	ProcessingPath       string
	PageCount            int
	PagesMetadata        *PagesMetadata
	OCRMetadata          *OCRMetadata
	ExtractedFields      *FieldBundle
	UpdatedFields        *FieldBundle
	SplitStatus          StageStatus
	OCRStatus            StageStatus
	CoversheetPageNumber *int
	PartType             PartType
	RequiresReview       bool
}
