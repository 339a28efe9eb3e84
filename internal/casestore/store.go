// Package casestore persists the Case aggregate and its Document artifact.
// Each mutation is one transaction; the pipeline commits once per stage so a
// crash between stages leaves a consistent, resumable checkpoint.
package casestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/clock"
	"github.com/svcops/intake/internal/core"
)

const (
	caseTable     = "cases"
	documentTable = "documents"
)

const uniqueViolation = "23505"

// maxExternalIDRetries bounds the widening loop on external id collisions.
const maxExternalIDRetries = 100

// SourceMissingDocuments flags the extracted-fields baseline of a payload
// that arrived with zero documents.
const SourceMissingDocuments = "MISSING_DOCUMENTS"

// Store is the pgx-backed Case/Document repository.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewStore(pool *pgxpool.Pool, clk clock.Clock) *Store {
	return &Store{pool: pool, clock: clk}
}

// ============================================================================
// CASE
// ============================================================================

const caseColumns = `case_id, external_id, decision_tracking_id::text, channel_specific_id,
	received_date, due_date, submission_type, channel_type_id, detailed_status,
	beneficiary_name, beneficiary_mbi, provider_name, provider_npi`

// GetCaseByTrackingID returns the Case for a decision tracking id, or nil.
func (s *Store) GetCaseByTrackingID(ctx context.Context, trackingID string) (*core.Case, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM `+caseTable+` WHERE decision_tracking_id = $1::uuid`,
		trackingID)
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", trackingID, err)
	}
	return c, nil
}

// EnsureCase creates the Case for draft's decision tracking id or returns
// the existing one. The race between lookup and insert is resolved by the
// unique index alone: a tracking-id conflict re-reads the winner's row, an
// external-id conflict widens the suffix and retries.
func (s *Store) EnsureCase(ctx context.Context, draft *core.Case) (*core.Case, error) {
	existing, err := s.GetCaseByTrackingID(ctx, draft.DecisionTrackingID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	width := minSuffixWidth
	for attempt := 0; attempt < maxExternalIDRetries; attempt++ {
		extID := externalID(s.clock.Now(), width)
		created, err := s.insertCase(ctx, draft, extID)
		if err == nil {
			return created, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "decision_tracking") {
				// Another worker won the insert race; adopt its row.
				return s.GetCaseByTrackingID(ctx, draft.DecisionTrackingID)
			}
			if strings.Contains(pgErr.ConstraintName, "external_id") {
				if width < maxSuffixWidth {
					width++
				}
				continue
			}
		}
		return nil, fmt.Errorf("insert case %s: %w", draft.DecisionTrackingID, err)
	}
	return nil, fmt.Errorf("insert case %s: external id collisions exhausted %d retries",
		draft.DecisionTrackingID, maxExternalIDRetries)
}

func (s *Store) insertCase(ctx context.Context, draft *core.Case, extID string) (*core.Case, error) {
	var submission *string
	if draft.SubmissionType != core.SubmissionUnset {
		v := string(draft.SubmissionType)
		submission = &v
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+caseTable+`
		   (external_id, decision_tracking_id, channel_specific_id, received_date,
		    due_date, submission_type, channel_type_id, detailed_status,
		    beneficiary_name, beneficiary_mbi, provider_name, provider_npi)
		 VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+caseColumns,
		extID, draft.DecisionTrackingID, draft.ChannelSpecificID, draft.ReceivedDate,
		draft.DueDate, submission, int(draft.ChannelTypeID), core.DetailedStatusNew,
		core.TBD, core.TBD, core.TBD, core.TBD)
	return scanCase(row)
}

// CaseFieldUpdates carries the placeholder-column sync computed in Stage D.
// Empty strings mean "nothing extracted for this column".
type CaseFieldUpdates struct {
	BeneficiaryName string
	BeneficiaryMBI  string
	ProviderName    string
	ProviderNPI     string
	SubmissionType  core.SubmissionType
}

// SyncCaseFields fills placeholder columns from extracted fields, but only
// where the stored value still equals the TBD sentinel. A submission-type
// change recomputes the due date off the stored received date. Runs as one
// statement so all CASE expressions see the pre-update values.
func (s *Store) SyncCaseFields(ctx context.Context, caseID int64, u CaseFieldUpdates) error {
	var submission *string
	if u.SubmissionType != core.SubmissionUnset {
		v := string(u.SubmissionType)
		submission = &v
	}
	var newDue interface{}
	if u.SubmissionType != core.SubmissionUnset {
		// received_date is already stored; compute due date in SQL off the
		// normalized midnight to keep the statement self-contained.
		hours := 72
		if u.SubmissionType == core.SubmissionExpedited {
			hours = 48
		}
		newDue = hours
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE `+caseTable+` SET
		   beneficiary_name = CASE WHEN beneficiary_name = 'TBD' AND $2 <> '' THEN $2 ELSE beneficiary_name END,
		   beneficiary_mbi  = CASE WHEN beneficiary_mbi  = 'TBD' AND $3 <> '' THEN $3 ELSE beneficiary_mbi  END,
		   provider_name    = CASE WHEN provider_name    = 'TBD' AND $4 <> '' THEN $4 ELSE provider_name    END,
		   provider_npi     = CASE WHEN provider_npi     = 'TBD' AND $5 <> '' THEN $5 ELSE provider_npi     END,
		   submission_type  = CASE WHEN submission_type IS NULL AND $6::text IS NOT NULL THEN $6 ELSE submission_type END,
		   due_date         = CASE WHEN submission_type IS NULL AND $6::text IS NOT NULL
		                           THEN (date_trunc('day', received_date AT TIME ZONE 'UTC') AT TIME ZONE 'UTC') + make_interval(hours => $7::int)
		                           ELSE due_date END
		 WHERE case_id = $1`,
		caseID, u.BeneficiaryName, u.BeneficiaryMBI, u.ProviderName, u.ProviderNPI,
		submission, newDue)
	if err != nil {
		return fmt.Errorf("sync case fields %d: %w", caseID, err)
	}
	return nil
}

// ============================================================================
// DOCUMENT
// ============================================================================

const documentColumns = `document_id, case_id, external_id, file_name, consolidated_blob_path,
	file_size, processing_path, page_count, pages_metadata, ocr_metadata,
	extracted_fields, updated_extracted_fields, split_status, ocr_status,
	coversheet_page_number, part_type, requires_review`

// GetDocumentByCaseID returns the Case's Document, or nil.
func (s *Store) GetDocumentByCaseID(ctx context.Context, caseID int64) (*core.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM `+documentTable+` WHERE case_id = $1`, caseID)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document for case %d: %w", caseID, err)
	}
	return d, nil
}

// EnsureDocument creates the one Document for a Case or returns the existing
// one. On a rebuild of an existing row the stage statuses are reset to
// NOT_STARTED so the Resume Planner starts the pipeline over.
func (s *Store) EnsureDocument(ctx context.Context, caseID int64, fileName string, rebuild bool) (*core.Document, error) {
	existing, err := s.GetDocumentByCaseID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if rebuild {
			_, err := s.pool.Exec(ctx,
				`UPDATE `+documentTable+`
				 SET split_status = $2, ocr_status = $2, file_name = $3
				 WHERE document_id = $1`,
				existing.DocumentID, string(core.StageNotStarted), fileName)
			if err != nil {
				return nil, fmt.Errorf("reset document %d: %w", existing.DocumentID, err)
			}
			existing.SplitStatus = core.StageNotStarted
			existing.OCRStatus = core.StageNotStarted
			existing.FileName = fileName
		}
		return existing, nil
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+documentTable+`
		   (case_id, external_id, file_name, file_size, processing_path,
		    split_status, ocr_status, part_type, page_count, requires_review)
		 VALUES ($1, $2, $3, 0, '', $4, $4, $5, 0, false)
		 RETURNING `+documentColumns,
		caseID, fmt.Sprintf("DOC-%d", caseID), fileName,
		string(core.StageNotStarted), string(core.PartUnknown))
	d, err := scanDocument(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Concurrent worker created it first.
			return s.GetDocumentByCaseID(ctx, caseID)
		}
		return nil, fmt.Errorf("insert document for case %d: %w", caseID, err)
	}
	return d, nil
}

// MarkDocumentSkipped records the zero-documents special case: both stages
// SKIPPED (or DONE for the Portal fields-only variant) with a flagged
// extracted-fields baseline.
func (s *Store) MarkDocumentSkipped(ctx context.Context, documentID int64, ocrStatus core.StageStatus, extracted *core.FieldBundle) error {
	extractedJSON, err := json.Marshal(extracted)
	if err != nil {
		return fmt.Errorf("marshal extracted fields: %w", err)
	}
	updatedJSON, err := json.Marshal(extracted.Clone())
	if err != nil {
		return fmt.Errorf("marshal updated fields: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE `+documentTable+`
		 SET split_status = $2, ocr_status = $3,
		     extracted_fields = COALESCE(extracted_fields, $4),
		     updated_extracted_fields = COALESCE(updated_extracted_fields, $5)
		 WHERE document_id = $1`,
		documentID, string(core.StageSkipped), string(ocrStatus), extractedJSON, updatedJSON)
	if err != nil {
		return fmt.Errorf("mark document %d skipped: %w", documentID, err)
	}
	return nil
}

// SetConsolidated records the Stage B checkpoint. Merge success is encoded
// by consolidated_blob_path being non-null; there is no separate status.
func (s *Store) SetConsolidated(ctx context.Context, documentID int64, blobPath, fileName string, fileSize int64, processingPath string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+documentTable+`
		 SET consolidated_blob_path = $2, file_name = $3, file_size = $4, processing_path = $5
		 WHERE document_id = $1`,
		documentID, blobPath, fileName, fileSize, processingPath)
	if err != nil {
		return fmt.Errorf("set consolidated %d: %w", documentID, err)
	}
	return nil
}

// SetSplitStatus moves the split stage marker (IN_PROGRESS / FAILED).
func (s *Store) SetSplitStatus(ctx context.Context, documentID int64, status core.StageStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+documentTable+` SET split_status = $2 WHERE document_id = $1`,
		documentID, string(status))
	if err != nil {
		return fmt.Errorf("set split status %d: %w", documentID, err)
	}
	return nil
}

// SetSplitResults commits the Stage C checkpoint: page count, page metadata
// and split_status=DONE in one transaction.
func (s *Store) SetSplitResults(ctx context.Context, documentID int64, meta *core.PagesMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal pages metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE `+documentTable+`
		 SET page_count = $2, pages_metadata = $3, split_status = $4
		 WHERE document_id = $1`,
		documentID, len(meta.Pages), metaJSON, string(core.StageDone))
	if err != nil {
		return fmt.Errorf("set split results %d: %w", documentID, err)
	}
	return nil
}

// SetOCRStatus moves the OCR stage marker (IN_PROGRESS / FAILED).
func (s *Store) SetOCRStatus(ctx context.Context, documentID int64, status core.StageStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+documentTable+` SET ocr_status = $2 WHERE document_id = $1`,
		documentID, string(status))
	if err != nil {
		return fmt.Errorf("set ocr status %d: %w", documentID, err)
	}
	return nil
}

// OCRResults is the Stage D checkpoint.
type OCRResults struct {
	Metadata       *core.OCRMetadata
	Extracted      *core.FieldBundle
	Updated        *core.FieldBundle
	CoversheetPage *int
	PartType       core.PartType
	RequiresReview bool
}

// SetOCRResults commits Stage D in one transaction. The extracted-fields
// baseline is immutable once set; the only permitted overwrite is replacing
// the synthetic empty bundle a graceful OCR failure wrote earlier.
func (s *Store) SetOCRResults(ctx context.Context, documentID int64, res OCRResults) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ocr results tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var baselineJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT extracted_fields FROM `+documentTable+` WHERE document_id = $1 FOR UPDATE`,
		documentID).Scan(&baselineJSON)
	if err != nil {
		return fmt.Errorf("lock document %d: %w", documentID, err)
	}

	writeBaseline := true
	if len(baselineJSON) > 0 {
		var baseline core.FieldBundle
		if err := json.Unmarshal(baselineJSON, &baseline); err == nil && !baseline.Empty() {
			writeBaseline = false
		}
	}

	metaJSON, err := json.Marshal(res.Metadata)
	if err != nil {
		return fmt.Errorf("marshal ocr metadata: %w", err)
	}
	extractedJSON, err := json.Marshal(res.Extracted)
	if err != nil {
		return fmt.Errorf("marshal extracted fields: %w", err)
	}
	updatedJSON, err := json.Marshal(res.Updated)
	if err != nil {
		return fmt.Errorf("marshal updated fields: %w", err)
	}

	if writeBaseline {
		_, err = tx.Exec(ctx,
			`UPDATE `+documentTable+`
			 SET ocr_metadata = $2, extracted_fields = $3, updated_extracted_fields = $4,
			     ocr_status = $5, coversheet_page_number = $6, part_type = $7,
			     requires_review = $8
			 WHERE document_id = $1`,
			documentID, metaJSON, extractedJSON, updatedJSON, string(core.StageDone),
			res.CoversheetPage, string(res.PartType), res.RequiresReview)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE `+documentTable+`
			 SET ocr_metadata = $2, updated_extracted_fields = $3,
			     ocr_status = $4, coversheet_page_number = $5, part_type = $6,
			     requires_review = $7
			 WHERE document_id = $1`,
			documentID, metaJSON, updatedJSON, string(core.StageDone),
			res.CoversheetPage, string(res.PartType), res.RequiresReview)
	}
	if err != nil {
		return fmt.Errorf("set ocr results %d: %w", documentID, err)
	}
	if !writeBaseline {
		log.WithField("document_id", documentID).Debug("extracted-fields baseline already set; preserved")
	}
	return tx.Commit(ctx)
}

// ============================================================================
// SCAN HELPERS
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(r rowScanner) (*core.Case, error) {
	var c core.Case
	var submission *string
	var channel int
	err := r.Scan(&c.CaseID, &c.ExternalID, &c.DecisionTrackingID, &c.ChannelSpecificID,
		&c.ReceivedDate, &c.DueDate, &submission, &channel, &c.DetailedStatus,
		&c.BeneficiaryName, &c.BeneficiaryMBI, &c.ProviderName, &c.ProviderNPI)
	if err != nil {
		return nil, err
	}
	if submission != nil {
		c.SubmissionType = core.SubmissionType(*submission)
	}
	c.ChannelTypeID = core.ChannelType(channel)
	return &c, nil
}

func scanDocument(r rowScanner) (*core.Document, error) {
	var d core.Document
	var splitStatus, ocrStatus, partType string
	var pagesJSON, ocrJSON, extractedJSON, updatedJSON []byte
	err := r.Scan(&d.DocumentID, &d.CaseID, &d.ExternalID, &d.FileName,
		&d.ConsolidatedBlobPath, &d.FileSize, &d.ProcessingPath, &d.PageCount,
		&pagesJSON, &ocrJSON, &extractedJSON, &updatedJSON,
		&splitStatus, &ocrStatus, &d.CoversheetPageNumber, &partType, &d.RequiresReview)
	if err != nil {
		return nil, err
	}
	d.SplitStatus = core.StageStatus(splitStatus)
	d.OCRStatus = core.StageStatus(ocrStatus)
	d.PartType = core.PartType(partType)
	if len(pagesJSON) > 0 {
		if err := json.Unmarshal(pagesJSON, &d.PagesMetadata); err != nil {
			// Malformed pages metadata is survivable: the Resume Planner
			// treats it as a partial write and re-runs the split stage.
			log.WithField("document_id", d.DocumentID).WithError(err).Warn("malformed pages_metadata")
			d.PagesMetadata = nil
		}
	}
	if len(ocrJSON) > 0 {
		if err := json.Unmarshal(ocrJSON, &d.OCRMetadata); err != nil {
			d.OCRMetadata = nil
		}
	}
	if len(extractedJSON) > 0 {
		if err := json.Unmarshal(extractedJSON, &d.ExtractedFields); err != nil {
			d.ExtractedFields = nil
		}
	}
	if len(updatedJSON) > 0 {
		if err := json.Unmarshal(updatedJSON, &d.UpdatedFields); err != nil {
			d.UpdatedFields = nil
		}
	}
	return &d, nil
}
