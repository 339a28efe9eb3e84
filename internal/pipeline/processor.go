// Package pipeline runs one claimed inbox job end-to-end through the fixed
// four-stage pipeline: aggregate upsert, merge, split, field extraction.
// Each stage commits its own checkpoint; the Resume Planner re-derives the
// entry point on every claim, so crashing between stages is always safe.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/casestore"
	"github.com/svcops/intake/internal/channel"
	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/ocr"
	"github.com/svcops/intake/internal/payload"
	"github.com/svcops/intake/internal/pdfops"
)

// CaseStore is the persistence surface the processor drives.
type CaseStore interface {
	EnsureCase(ctx context.Context, draft *core.Case) (*core.Case, error)
	GetDocumentByCaseID(ctx context.Context, caseID int64) (*core.Document, error)
	EnsureDocument(ctx context.Context, caseID int64, fileName string, rebuild bool) (*core.Document, error)
	MarkDocumentSkipped(ctx context.Context, documentID int64, ocrStatus core.StageStatus, extracted *core.FieldBundle) error
	SetConsolidated(ctx context.Context, documentID int64, blobPath, fileName string, fileSize int64, processingPath string) error
	SetSplitStatus(ctx context.Context, documentID int64, status core.StageStatus) error
	SetSplitResults(ctx context.Context, documentID int64, meta *core.PagesMetadata) error
	SetOCRStatus(ctx context.Context, documentID int64, status core.StageStatus) error
	SetOCRResults(ctx context.Context, documentID int64, res casestore.OCRResults) error
	SyncCaseFields(ctx context.Context, caseID int64, u casestore.CaseFieldUpdates) error
}

// BlobStore is the artifact transfer surface.
type BlobStore interface {
	DownloadSource(ctx context.Context, absoluteURL, localPath string) error
	DownloadDest(ctx context.Context, blobPath, localPath string) error
	Upload(ctx context.Context, localPath, blobPath string) error
}

// Recognizer is the field-extraction service surface.
type Recognizer interface {
	Recognize(ctx context.Context, pdfPath string) (*ocr.Result, error)
}

// Config carries the extraction-stage knobs.
type Config struct {
	TempDir              string
	MaxPagesPerDoc       int
	TotalAttemptsBudget  int
	InterRequestDelay    time.Duration
	StopAfterCoversheet  bool
	CoversheetConfidence float64
	MinCoversheetFields  int
}

// Processor executes one inbox job. It holds no per-job state; a single
// Processor is shared by all workers.
type Processor struct {
	cases    CaseStore
	blobs    BlobStore
	ocr      Recognizer
	merger   *pdfops.Merger
	splitter *pdfops.Splitter
	cfg      Config

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewProcessor(cases CaseStore, blobs BlobStore, recognizer Recognizer, cfg Config) *Processor {
	if cfg.MaxPagesPerDoc < 1 {
		cfg.MaxPagesPerDoc = 10
	}
	if cfg.TotalAttemptsBudget < 1 {
		cfg.TotalAttemptsBudget = 3
	}
	return &Processor{
		cases:    cases,
		blobs:    blobs,
		ocr:      recognizer,
		merger:   pdfops.NewMerger(),
		splitter: pdfops.NewSplitter(),
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Process runs one claimed job to completion. A nil return means the job is
// a successful outcome for the inbox row, including the graceful-failure
// paths; an error sends the row through the backoff ladder.
func (p *Processor) Process(ctx context.Context, row *core.InboxRow, msg *core.SourceMessage) error {
	logger := log.WithFields(log.Fields{
		"inbox_id":             row.InboxID,
		"message_id":           row.MessageID,
		"decision_tracking_id": row.DecisionTrackingID,
		"channel":              row.ChannelTypeID.String(),
	})

	if row.MessageType != core.MessageIntake {
		logger.WithField("message_type", int(row.MessageType)).Info("acknowledgment message recorded")
		return nil
	}

	parsed, err := payload.Parse(msg.Payload)
	if err != nil {
		return fmt.Errorf("message %d: %w", row.MessageID, err)
	}
	strat := channel.ForChannel(row.ChannelTypeID)

	start := time.Now()
	c, err := p.upsertCase(ctx, row, msg, parsed)
	if err != nil {
		return err
	}
	docs := dedupeDocuments(parsed.Documents, logger)
	if len(docs) == 0 {
		err := p.handleMissingDocuments(ctx, c, parsed, strat, logger)
		metricStageDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())
		return err
	}

	doc, err := p.upsertDocument(ctx, c)
	if err != nil {
		return err
	}
	metricStageDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())

	entry := Plan(doc)
	metricResumePoints.WithLabelValues(entry.String()).Inc()
	logger.WithField("entry", entry.String()).Debug("resume point planned")
	if entry == ResumeAlreadyDone {
		return nil
	}

	ws, err := pdfops.NewWorkspace(p.cfg.TempDir, fmt.Sprintf("case%d", c.CaseID))
	if err != nil {
		return err
	}
	defer ws.Close()

	localConsolidated := ""
	if entry == ResumeBeginning || entry == ResumeFromMerge {
		localConsolidated, err = p.stageMerge(ctx, c, doc, docs, ws)
		if err != nil {
			return err
		}
		entry = ResumeFromSplit
	}
	if entry == ResumeFromSplit {
		if err := p.stageSplit(ctx, c, doc, ws, localConsolidated); err != nil {
			return err
		}
	}
	return p.stageExtract(ctx, c, doc, parsed, strat, ws, logger)
}

// ============================================================================
// STAGE A
// ============================================================================

func (p *Processor) upsertCase(ctx context.Context, row *core.InboxRow, msg *core.SourceMessage, parsed *payload.Parsed) (*core.Case, error) {
	received := parsed.SubmissionTime(row.ChannelTypeID, msg.CreatedAt)
	draft := &core.Case{
		DecisionTrackingID: row.DecisionTrackingID,
		ChannelSpecificID:  parsed.ChannelSpecificID(row.ChannelTypeID),
		ReceivedDate:       received,
		DueDate:            core.ComputeDueDate(received, core.SubmissionUnset),
		ChannelTypeID:      row.ChannelTypeID,
		DetailedStatus:     core.DetailedStatusNew,
	}
	return p.cases.EnsureCase(ctx, draft)
}

func (p *Processor) upsertDocument(ctx context.Context, c *core.Case) (*core.Document, error) {
	existing, err := p.cases.GetDocumentByCaseID(ctx, c.CaseID)
	if err != nil {
		return nil, err
	}
	// A document stuck in FAILED with no consolidated artifact cannot be
	// resumed; restart the pipeline on it from scratch.
	rebuild := existing != nil && Plan(existing) == ResumeFromMerge &&
		(existing.SplitStatus == core.StageFailed || existing.OCRStatus == core.StageFailed)
	return p.cases.EnsureDocument(ctx, c.CaseID, packetFileName(c.CaseID), rebuild)
}

// handleMissingDocuments covers payloads that arrive without documents. The
// Case still exists for downstream consumers; the Document records both
// stages as skipped. Portal payloads that carry pre-extracted fields get the
// extraction stage anyway so the fields are not lost.
func (p *Processor) handleMissingDocuments(ctx context.Context, c *core.Case, parsed *payload.Parsed, strat channel.Strategy, logger *log.Entry) error {
	doc, err := p.cases.EnsureDocument(ctx, c.CaseID, packetFileName(c.CaseID), false)
	if err != nil {
		return err
	}

	if strat.Channel() == core.ChannelPortal && parsed.OCR != nil && parsed.OCR.Fields != nil {
		logger.Info("no documents in payload; extracting fields from portal payload")
		if err := p.cases.SetSplitStatus(ctx, doc.DocumentID, core.StageSkipped); err != nil {
			return err
		}
		return p.extractFromPayload(ctx, c, doc, parsed, strat)
	}

	logger.Warn("no documents in payload; marking document skipped")
	empty := &core.FieldBundle{
		Fields: map[string]core.Field{},
		Source: casestore.SourceMissingDocuments,
	}
	return p.cases.MarkDocumentSkipped(ctx, doc.DocumentID, core.StageSkipped, empty)
}

func dedupeDocuments(docs []payload.DocumentRef, logger *log.Entry) []payload.DocumentRef {
	seen := make(map[string]bool, len(docs))
	out := make([]payload.DocumentRef, 0, len(docs))
	for _, d := range docs {
		if seen[d.SourceAbsoluteURL] {
			logger.WithField("url", d.SourceAbsoluteURL).Info("duplicate document reference dropped")
			continue
		}
		seen[d.SourceAbsoluteURL] = true
		out = append(out, d)
	}
	return out
}

func packetFileName(caseID int64) string {
	return fmt.Sprintf("packet_%d.pdf", caseID)
}

// ============================================================================
// STAGE B
// ============================================================================

// stageMerge downloads the payload documents, merges them in payload order
// into one consolidated PDF and uploads it. Returns the local path of the
// consolidated file so a same-process split skips the re-download.
func (p *Processor) stageMerge(ctx context.Context, c *core.Case, doc *core.Document, docs []payload.DocumentRef, ws *pdfops.Workspace) (string, error) {
	start := time.Now()
	defer func() {
		metricStageDuration.WithLabelValues("merge").Observe(time.Since(start).Seconds())
	}()

	inputs := make([]pdfops.InputDoc, 0, len(docs))
	for i, d := range docs {
		local := ws.Path(fmt.Sprintf("input_%03d", i))
		if err := p.blobs.DownloadSource(ctx, d.SourceAbsoluteURL, local); err != nil {
			return "", fmt.Errorf("download document %q: %w", d.Name, err)
		}
		inputs = append(inputs, pdfops.InputDoc{LocalPath: local, ContentType: d.ContentType})
	}

	outPath := ws.Path(packetFileName(c.CaseID))
	if err := p.merger.Merge(ctx, inputs, outPath); err != nil {
		return "", err
	}

	paths := pathsFor(c)
	blobPath := paths.Consolidated()
	if err := p.blobs.Upload(ctx, outPath, blobPath); err != nil {
		return "", err
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return "", fmt.Errorf("stat consolidated pdf: %w", err)
	}

	if err := p.cases.SetConsolidated(ctx, doc.DocumentID, blobPath,
		packetFileName(c.CaseID), info.Size(), paths.Root()); err != nil {
		return "", err
	}
	doc.ConsolidatedBlobPath = &blobPath
	return outPath, nil
}

// ============================================================================
// STAGE C
// ============================================================================

// stageSplit splits the consolidated PDF into per-page artifacts and commits
// page_count, pages_metadata and split_status=DONE in a single statement.
// On resume the consolidated PDF is re-downloaded first.
func (p *Processor) stageSplit(ctx context.Context, c *core.Case, doc *core.Document, ws *pdfops.Workspace, localConsolidated string) error {
	start := time.Now()
	defer func() {
		metricStageDuration.WithLabelValues("split").Observe(time.Since(start).Seconds())
	}()

	if localConsolidated == "" {
		if doc.ConsolidatedBlobPath == nil || *doc.ConsolidatedBlobPath == "" {
			return fmt.Errorf("document %d has no consolidated blob to split", doc.DocumentID)
		}
		localConsolidated = ws.Path(packetFileName(c.CaseID))
		if err := p.blobs.DownloadDest(ctx, *doc.ConsolidatedBlobPath, localConsolidated); err != nil {
			return err
		}
	}

	if err := p.cases.SetSplitStatus(ctx, doc.DocumentID, core.StageInProgress); err != nil {
		return err
	}

	pagesDir, err := ws.Mkdir("pages")
	if err != nil {
		return err
	}
	pages, err := p.splitter.Split(ctx, localConsolidated, pagesDir)
	if err != nil {
		if serr := p.cases.SetSplitStatus(ctx, doc.DocumentID, core.StageFailed); serr != nil {
			log.WithField("document_id", doc.DocumentID).WithError(serr).Error("failed to record split failure")
		}
		return err
	}

	paths := pathsFor(c)
	meta := &core.PagesMetadata{Version: 1, Pages: make([]core.PageMeta, 0, len(pages))}
	for _, pg := range pages {
		blobPath := paths.Page(pg.PageNumber)
		if err := p.blobs.Upload(ctx, pg.LocalPath, blobPath); err != nil {
			if serr := p.cases.SetSplitStatus(ctx, doc.DocumentID, core.StageFailed); serr != nil {
				log.WithField("document_id", doc.DocumentID).WithError(serr).Error("failed to record split failure")
			}
			return err
		}
		meta.Pages = append(meta.Pages, core.PageMeta{
			PageNumber:  pg.PageNumber,
			BlobPath:    blobPath,
			ContentType: pg.ContentType,
			SizeBytes:   pg.SizeBytes,
			SHA256:      pg.SHA256,
		})
	}

	if err := p.cases.SetSplitResults(ctx, doc.DocumentID, meta); err != nil {
		return err
	}
	doc.PagesMetadata = meta
	doc.PageCount = len(meta.Pages)
	doc.SplitStatus = core.StageDone
	return nil
}

// ============================================================================
// STAGE D
// ============================================================================

func (p *Processor) stageExtract(ctx context.Context, c *core.Case, doc *core.Document, parsed *payload.Parsed, strat channel.Strategy, ws *pdfops.Workspace, logger *log.Entry) error {
	start := time.Now()
	defer func() {
		metricStageDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	}()

	if !strat.RunsOCR() {
		return p.extractFromPayload(ctx, c, doc, parsed, strat)
	}
	return p.extractFromOCR(ctx, c, doc, parsed, strat, ws, logger)
}

// extractFromPayload is the Portal path: the payload already carries the
// extracted fields, so the stage only normalizes and persists them.
func (p *Processor) extractFromPayload(ctx context.Context, c *core.Case, doc *core.Document, parsed *payload.Parsed, strat channel.Strategy) error {
	bundle, err := strat.ExtractFieldsFromPayload(parsed)
	if err != nil {
		return fmt.Errorf("case %d: %w", c.CaseID, err)
	}
	working := payload.Normalize(bundle)
	payload.AutoFix(working)

	part := strat.ClassifyPart(parsed, bundle)
	meta := &core.OCRMetadata{
		Version:  1,
		PartType: part,
		Source:   "payload",
	}
	res := casestore.OCRResults{
		Metadata:       meta,
		Extracted:      bundle,
		Updated:        working,
		CoversheetPage: strat.CoversheetPage(meta),
		PartType:       part,
	}
	if err := p.cases.SetOCRResults(ctx, doc.DocumentID, res); err != nil {
		return err
	}
	return p.cases.SyncCaseFields(ctx, c.CaseID, CaseUpdatesFromBundle(working))
}

// extractFromOCR is the ESMD/Fax path: page PDFs go through the OCR service
// sequentially under a total-attempts budget, a strong hit short-circuits
// the scan, and a run with zero successes still completes the stage with an
// empty baseline flagged for manual review.
func (p *Processor) extractFromOCR(ctx context.Context, c *core.Case, doc *core.Document, parsed *payload.Parsed, strat channel.Strategy, ws *pdfops.Workspace, logger *log.Entry) error {
	if err := p.cases.SetOCRStatus(ctx, doc.DocumentID, core.StageInProgress); err != nil {
		return err
	}

	pages := doc.PagesMetadata.Pages
	if len(pages) > p.cfg.MaxPagesPerDoc {
		logger.WithFields(log.Fields{
			"page_count": len(pages),
			"cap":        p.cfg.MaxPagesPerDoc,
		}).Info("capping pages for extraction")
		pages = pages[:p.cfg.MaxPagesPerDoc]
	}

	budget := p.cfg.TotalAttemptsBudget
	pageResults := make(map[int]*ocr.Result, len(pages))
	metas := make([]core.OCRPageMeta, 0, len(pages))
	earlyAccept := 0

	for i, pg := range pages {
		if earlyAccept != 0 {
			metas = append(metas, skippedPage(pg.PageNumber,
				fmt.Sprintf("coversheet accepted on page %d", earlyAccept)))
			continue
		}
		if budget <= 0 {
			metas = append(metas, skippedPage(pg.PageNumber, "attempts budget exhausted"))
			continue
		}
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.InterRequestDelay); err != nil {
				return err
			}
		}

		local := ws.Path(fmt.Sprintf("page_%04d.pdf", pg.PageNumber))
		if err := p.blobs.DownloadDest(ctx, pg.BlobPath, local); err != nil {
			logger.WithField("page", pg.PageNumber).WithError(err).Warn("page download failed")
			metas = append(metas, errorPage(pg.PageNumber))
			continue
		}

		budget--
		res, err := p.ocr.Recognize(ctx, local)
		if err != nil {
			logger.WithField("page", pg.PageNumber).WithError(err).Warn("page extraction failed")
			metas = append(metas, errorPage(pg.PageNumber))
			continue
		}

		pageResults[pg.PageNumber] = res
		metas = append(metas, core.OCRPageMeta{
			PageNumber: pg.PageNumber,
			Fields:     res.Fields,
			Confidence: res.OverallConfidence,
			DurationMs: res.DurationMs,
			Status:     core.OCRPageProcessed,
		})

		if p.cfg.StopAfterCoversheet &&
			res.OverallConfidence >= p.cfg.CoversheetConfidence &&
			len(res.Fields) >= p.cfg.MinCoversheetFields {
			earlyAccept = pg.PageNumber
			metricEarlyAccepts.Inc()
			logger.WithField("page", pg.PageNumber).Info("strong coversheet hit; stopping page scan")
		}
	}
	for _, m := range metas {
		metricOCRPages.WithLabelValues(m.Status).Inc()
	}

	coversheet := earlyAccept
	if coversheet == 0 {
		coversheet = detectCoversheet(pages, pageResults)
	}

	if coversheet == 0 {
		// No usable page at all. Completing with an empty baseline and the
		// review flag keeps the row out of the retry ladder; a human picks
		// it up from the review queue.
		logger.Warn("extraction produced no usable page; completing with empty baseline")
		metricGracefulFailures.Inc()
		empty := &core.FieldBundle{Fields: map[string]core.Field{}, Source: core.SourceOCRInitial}
		meta := &core.OCRMetadata{
			Version:  1,
			Pages:    metas,
			PartType: core.PartUnknown,
			Source:   "ocr",
		}
		return p.cases.SetOCRResults(ctx, doc.DocumentID, casestore.OCRResults{
			Metadata:       meta,
			Extracted:      empty,
			Updated:        empty.Clone(),
			PartType:       core.PartUnknown,
			RequiresReview: true,
		})
	}

	chosen := pageResults[coversheet]
	bundle := &core.FieldBundle{
		Fields:         chosen.Fields,
		Source:         core.SourceOCRInitial,
		CoversheetType: chosen.CoversheetType,
	}
	working := payload.Normalize(bundle)
	payload.AutoFix(working)
	part := strat.ClassifyPart(parsed, bundle)

	cp := coversheet
	meta := &core.OCRMetadata{
		Version:              1,
		Pages:                metas,
		CoversheetPageNumber: &cp,
		PartType:             part,
		Source:               "ocr",
	}
	res := casestore.OCRResults{
		Metadata:       meta,
		Extracted:      bundle,
		Updated:        working,
		CoversheetPage: strat.CoversheetPage(meta),
		PartType:       part,
	}
	if err := p.cases.SetOCRResults(ctx, doc.DocumentID, res); err != nil {
		return err
	}
	return p.cases.SyncCaseFields(ctx, c.CaseID, CaseUpdatesFromBundle(working))
}

// detectCoversheet picks the best candidate among the successfully processed
// pages: most fields wins, confidence breaks ties. Returns 0 when no page
// produced any fields.
func detectCoversheet(pages []core.PageMeta, results map[int]*ocr.Result) int {
	best := 0
	var bestFields int
	var bestConf float64
	for _, pg := range pages {
		res, ok := results[pg.PageNumber]
		if !ok || len(res.Fields) == 0 {
			continue
		}
		if len(res.Fields) > bestFields ||
			(len(res.Fields) == bestFields && res.OverallConfidence > bestConf) {
			best = pg.PageNumber
			bestFields = len(res.Fields)
			bestConf = res.OverallConfidence
		}
	}
	return best
}

func skippedPage(n int, reason string) core.OCRPageMeta {
	return core.OCRPageMeta{PageNumber: n, Status: core.OCRPageSkipped, SkipReason: reason}
}

func errorPage(n int) core.OCRPageMeta {
	return core.OCRPageMeta{PageNumber: n, Status: core.OCRPageError}
}

func pathsFor(c *core.Case) core.PathBuilder {
	return core.PathBuilder{
		DecisionTrackingID: c.DecisionTrackingID,
		CaseID:             c.CaseID,
		Date:               c.ReceivedDate,
	}
}
