package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svcops/intake/internal/casestore"
	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/ocr"
	"github.com/svcops/intake/internal/payload"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeCaseStore struct {
	existingCase *core.Case
	doc          *core.Document

	ensuredDraft  *core.Case
	rebuildFlag   *bool
	skippedOCR    *core.StageStatus
	skippedBundle *core.FieldBundle
	consolidated  *string
	splitStatuses []core.StageStatus
	splitResults  *core.PagesMetadata
	ocrStatuses   []core.StageStatus
	ocrResults    *casestore.OCRResults
	synced        *casestore.CaseFieldUpdates
}

func (f *fakeCaseStore) EnsureCase(_ context.Context, draft *core.Case) (*core.Case, error) {
	f.ensuredDraft = draft
	if f.existingCase != nil {
		return f.existingCase, nil
	}
	c := *draft
	c.CaseID = 1
	c.ExternalID = "SVC-2025-1234567"
	f.existingCase = &c
	return &c, nil
}

func (f *fakeCaseStore) GetDocumentByCaseID(context.Context, int64) (*core.Document, error) {
	return f.doc, nil
}

func (f *fakeCaseStore) EnsureDocument(_ context.Context, caseID int64, fileName string, rebuild bool) (*core.Document, error) {
	f.rebuildFlag = &rebuild
	if f.doc == nil {
		f.doc = &core.Document{
			DocumentID:  10,
			CaseID:      caseID,
			FileName:    fileName,
			SplitStatus: core.StageNotStarted,
			OCRStatus:   core.StageNotStarted,
			PartType:    core.PartUnknown,
		}
	} else if rebuild {
		f.doc.SplitStatus = core.StageNotStarted
		f.doc.OCRStatus = core.StageNotStarted
	}
	return f.doc, nil
}

func (f *fakeCaseStore) MarkDocumentSkipped(_ context.Context, _ int64, ocrStatus core.StageStatus, extracted *core.FieldBundle) error {
	f.skippedOCR = &ocrStatus
	f.skippedBundle = extracted
	return nil
}

func (f *fakeCaseStore) SetConsolidated(_ context.Context, _ int64, blobPath, _ string, _ int64, _ string) error {
	f.consolidated = &blobPath
	return nil
}

func (f *fakeCaseStore) SetSplitStatus(_ context.Context, _ int64, status core.StageStatus) error {
	f.splitStatuses = append(f.splitStatuses, status)
	return nil
}

func (f *fakeCaseStore) SetSplitResults(_ context.Context, _ int64, meta *core.PagesMetadata) error {
	f.splitResults = meta
	return nil
}

func (f *fakeCaseStore) SetOCRStatus(_ context.Context, _ int64, status core.StageStatus) error {
	f.ocrStatuses = append(f.ocrStatuses, status)
	return nil
}

func (f *fakeCaseStore) SetOCRResults(_ context.Context, _ int64, res casestore.OCRResults) error {
	f.ocrResults = &res
	return nil
}

func (f *fakeCaseStore) SyncCaseFields(_ context.Context, _ int64, u casestore.CaseFieldUpdates) error {
	f.synced = &u
	return nil
}

type fakeBlobStore struct {
	downloads []string
	uploads   []string
	failDest  bool
}

func (f *fakeBlobStore) DownloadSource(_ context.Context, url, localPath string) error {
	f.downloads = append(f.downloads, url)
	return os.WriteFile(localPath, []byte("source"), 0o644)
}

func (f *fakeBlobStore) DownloadDest(_ context.Context, blobPath, localPath string) error {
	if f.failDest {
		return errors.New("dest unavailable")
	}
	f.downloads = append(f.downloads, blobPath)
	return os.WriteFile(localPath, []byte("artifact"), 0o644)
}

func (f *fakeBlobStore) Upload(_ context.Context, _, blobPath string) error {
	f.uploads = append(f.uploads, blobPath)
	return nil
}

type fakeRecognizer struct {
	results []func() (*ocr.Result, error)
	calls   int
}

func (f *fakeRecognizer) Recognize(context.Context, string) (*ocr.Result, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		return nil, errors.New("unexpected extra call")
	}
	return f.results[i]()
}

func okResult(fieldCount int, confidence float64, coversheetType string) func() (*ocr.Result, error) {
	fields := make(map[string]core.Field, fieldCount)
	for i := 0; i < fieldCount; i++ {
		fields[fmt.Sprintf("Field %d", i)] = core.Field{Value: "v", Confidence: confidence, FieldType: "STRING"}
	}
	res := &ocr.Result{
		Fields:            fields,
		OverallConfidence: confidence,
		DurationMs:        12,
		CoversheetType:    coversheetType,
	}
	return func() (*ocr.Result, error) { return res, nil }
}

func failResult() func() (*ocr.Result, error) {
	return func() (*ocr.Result, error) { return nil, errors.New("ocr 500") }
}

// ============================================================================
// HELPERS
// ============================================================================

func testProcessor(t *testing.T, cases *fakeCaseStore, blobs *fakeBlobStore, rec *fakeRecognizer) *Processor {
	t.Helper()
	p := NewProcessor(cases, blobs, rec, Config{
		TempDir:              t.TempDir(),
		MaxPagesPerDoc:       10,
		TotalAttemptsBudget:  3,
		StopAfterCoversheet:  true,
		CoversheetConfidence: 0.7,
		MinCoversheetFields:  20,
	})
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func intakeRow(ch core.ChannelType) *core.InboxRow {
	return &core.InboxRow{
		InboxID:            1,
		MessageID:          100,
		DecisionTrackingID: "d1",
		MessageType:        core.MessageIntake,
		Status:             core.InboxProcessing,
		AttemptCount:       1,
		ChannelTypeID:      ch,
	}
}

func sourceMsg(payloadJSON string) *core.SourceMessage {
	return &core.SourceMessage{
		MessageID:          100,
		DecisionTrackingID: "d1",
		Payload:            []byte(payloadJSON),
		CreatedAt:          time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC),
	}
}

func splitDoneDoc(pageCount int) *core.Document {
	meta := &core.PagesMetadata{Version: 1}
	for i := 1; i <= pageCount; i++ {
		meta.Pages = append(meta.Pages, core.PageMeta{
			PageNumber:  i,
			BlobPath:    fmt.Sprintf("root/packet_1_pages/packet_1_page_%04d.pdf", i),
			ContentType: "application/pdf",
		})
	}
	path := "root/packet_1.pdf"
	return &core.Document{
		DocumentID:           10,
		CaseID:               1,
		ConsolidatedBlobPath: &path,
		PageCount:            pageCount,
		PagesMetadata:        meta,
		SplitStatus:          core.StageDone,
		OCRStatus:            core.StageNotStarted,
		PartType:             core.PartUnknown,
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestProcessAcknowledgmentIsNoOp(t *testing.T) {
	cases := &fakeCaseStore{}
	p := testProcessor(t, cases, &fakeBlobStore{}, &fakeRecognizer{})

	row := intakeRow(core.ChannelESMD)
	row.MessageType = core.MessageAckSuccess
	require.NoError(t, p.Process(context.Background(), row, sourceMsg(`{"messageType": "ACK"}`)))
	assert.Nil(t, cases.ensuredDraft)
}

func TestProcessInvalidPayload(t *testing.T) {
	p := testProcessor(t, &fakeCaseStore{}, &fakeBlobStore{}, &fakeRecognizer{})
	err := p.Process(context.Background(), intakeRow(core.ChannelESMD), sourceMsg(`not json`))
	assert.ErrorIs(t, err, payload.ErrInvalidPayload)
}

func TestProcessAlreadyDone(t *testing.T) {
	cases := &fakeCaseStore{doc: &core.Document{DocumentID: 10, OCRStatus: core.StageDone, SplitStatus: core.StageDone}}
	blobs := &fakeBlobStore{}
	p := testProcessor(t, cases, blobs, &fakeRecognizer{})

	msg := sourceMsg(`{"documents": [{"name": "a.pdf", "content_type": "application/pdf", "source_absolute_url": "u1"}]}`)
	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelESMD), msg))
	// Idempotent: no work re-done for a finished document.
	assert.Empty(t, blobs.downloads)
	assert.Empty(t, blobs.uploads)
	assert.Nil(t, cases.ocrResults)
}

func TestProcessZeroDocuments(t *testing.T) {
	cases := &fakeCaseStore{}
	p := testProcessor(t, cases, &fakeBlobStore{}, &fakeRecognizer{})

	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelESMD), sourceMsg(`{"documents": []}`)))

	require.NotNil(t, cases.skippedOCR)
	assert.Equal(t, core.StageSkipped, *cases.skippedOCR)
	require.NotNil(t, cases.skippedBundle)
	assert.Equal(t, casestore.SourceMissingDocuments, cases.skippedBundle.Source)
	assert.Empty(t, cases.skippedBundle.Fields)
	// The Case still exists for downstream consumers.
	require.NotNil(t, cases.existingCase)
}

func TestProcessPortalZeroDocumentsWithFields(t *testing.T) {
	cases := &fakeCaseStore{}
	p := testProcessor(t, cases, &fakeBlobStore{}, &fakeRecognizer{})

	msg := sourceMsg(`{
		"documents": [],
		"packet_id": "PKT-1",
		"ocr": {
			"coversheet_type": "Prior Authorization Request for Medicare Part B Services",
			"fields": {
				"Beneficiary First Name": {"value": "ALICE", "confidence": 1, "field_type": "DocumentFieldType.STRING"},
				"Beneficiary Last Name": {"value": "SMITH", "confidence": 1, "field_type": "DocumentFieldType.STRING"}
			}
		}
	}`)
	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelPortal), msg))

	// Fields-only portal payload: split skipped, extraction completed.
	require.Equal(t, []core.StageStatus{core.StageSkipped}, cases.splitStatuses)
	require.NotNil(t, cases.ocrResults)
	assert.Equal(t, core.SourcePayloadInitial, cases.ocrResults.Extracted.Source)
	assert.Equal(t, core.PartB, cases.ocrResults.PartType)
	assert.Nil(t, cases.ocrResults.CoversheetPage)
	assert.Equal(t, "STRING", cases.ocrResults.Updated.Fields["Beneficiary First Name"].FieldType)

	require.NotNil(t, cases.synced)
	assert.Equal(t, "ALICE SMITH", cases.synced.BeneficiaryName)
}

func TestProcessResumeFromOCREarlyAccept(t *testing.T) {
	cases := &fakeCaseStore{doc: splitDoneDoc(3)}
	blobs := &fakeBlobStore{}
	rec := &fakeRecognizer{results: []func() (*ocr.Result, error){
		okResult(25, 0.9, "Medicare Part A Prior Authorization"),
	}}
	p := testProcessor(t, cases, blobs, rec)

	msg := sourceMsg(`{"documents": [{"name": "a.pdf", "content_type": "application/pdf", "source_absolute_url": "u1"}]}`)
	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelESMD), msg))

	// First page was a strong hit; the other two are skipped, not processed.
	assert.Equal(t, 1, rec.calls)
	require.NotNil(t, cases.ocrResults)
	require.NotNil(t, cases.ocrResults.CoversheetPage)
	assert.Equal(t, 1, *cases.ocrResults.CoversheetPage)
	assert.Equal(t, core.PartA, cases.ocrResults.PartType)
	assert.Equal(t, core.SourceOCRInitial, cases.ocrResults.Extracted.Source)
	assert.False(t, cases.ocrResults.RequiresReview)

	pages := cases.ocrResults.Metadata.Pages
	require.Len(t, pages, 3)
	assert.Equal(t, core.OCRPageProcessed, pages[0].Status)
	assert.Equal(t, core.OCRPageSkipped, pages[1].Status)
	// The skip reason records which page the coversheet was accepted on.
	assert.Equal(t, "coversheet accepted on page 1", pages[1].SkipReason)
	assert.Equal(t, core.OCRPageSkipped, pages[2].Status)
	assert.Equal(t, "coversheet accepted on page 1", pages[2].SkipReason)

	require.NotNil(t, cases.synced)
}

func TestProcessResumeFromOCRDetectorFallback(t *testing.T) {
	cases := &fakeCaseStore{doc: splitDoneDoc(2)}
	rec := &fakeRecognizer{results: []func() (*ocr.Result, error){
		okResult(3, 0.5, ""),
		okResult(8, 0.6, "medicare part b coversheet"),
	}}
	p := testProcessor(t, cases, &fakeBlobStore{}, rec)

	msg := sourceMsg(`{"documents": [{"name": "a.pdf", "content_type": "application/pdf", "source_absolute_url": "u1"}]}`)
	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelESMD), msg))

	// Neither page hit the early-accept thresholds; the detector picks the
	// page with the most fields.
	assert.Equal(t, 2, rec.calls)
	require.NotNil(t, cases.ocrResults.CoversheetPage)
	assert.Equal(t, 2, *cases.ocrResults.CoversheetPage)
	assert.Equal(t, core.PartB, cases.ocrResults.PartType)
}

func TestProcessGracefulOCRFailure(t *testing.T) {
	cases := &fakeCaseStore{doc: splitDoneDoc(5)}
	rec := &fakeRecognizer{results: []func() (*ocr.Result, error){
		failResult(), failResult(), failResult(),
	}}
	p := testProcessor(t, cases, &fakeBlobStore{}, rec)

	msg := sourceMsg(`{"documents": [{"name": "a.pdf", "content_type": "application/pdf", "source_absolute_url": "u1"}]}`)
	// Graceful failure is a successful outcome: the inbox row goes DONE.
	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelFax), msg))

	// Budget of 3 consumed on pages 1-3; pages 4-5 skipped.
	assert.Equal(t, 3, rec.calls)
	require.NotNil(t, cases.ocrResults)
	assert.True(t, cases.ocrResults.RequiresReview)
	assert.Equal(t, core.SourceOCRInitial, cases.ocrResults.Extracted.Source)
	assert.Empty(t, cases.ocrResults.Extracted.Fields)
	assert.Equal(t, core.PartUnknown, cases.ocrResults.PartType)
	assert.Nil(t, cases.ocrResults.CoversheetPage)

	pages := cases.ocrResults.Metadata.Pages
	require.Len(t, pages, 5)
	for i := 0; i < 3; i++ {
		assert.Equal(t, core.OCRPageError, pages[i].Status)
	}
	for i := 3; i < 5; i++ {
		assert.Equal(t, core.OCRPageSkipped, pages[i].Status)
		assert.Equal(t, "attempts budget exhausted", pages[i].SkipReason)
	}

	// No case-column sync off an empty baseline.
	assert.Nil(t, cases.synced)
}

func TestProcessPageCapAppliedBeforeOCR(t *testing.T) {
	cases := &fakeCaseStore{doc: splitDoneDoc(12)}
	rec := &fakeRecognizer{results: []func() (*ocr.Result, error){
		okResult(25, 0.9, "medicare part a"),
	}}
	p := testProcessor(t, cases, &fakeBlobStore{}, rec)

	msg := sourceMsg(`{"documents": [{"name": "a.pdf", "content_type": "application/pdf", "source_absolute_url": "u1"}]}`)
	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelESMD), msg))

	// Only the first ten pages were in scope.
	assert.Len(t, cases.ocrResults.Metadata.Pages, 10)
}

func TestDedupeDocuments(t *testing.T) {
	logger := log.NewEntry(log.New())
	docs := []payload.DocumentRef{
		{Name: "a.pdf", SourceAbsoluteURL: "u1"},
		{Name: "b.pdf", SourceAbsoluteURL: "u2"},
		{Name: "a-again.pdf", SourceAbsoluteURL: "u1"},
	}

	got := dedupeDocuments(docs, logger)
	require.Len(t, got, 2)
	// First occurrence wins.
	assert.Equal(t, "a.pdf", got[0].Name)
	assert.Equal(t, "b.pdf", got[1].Name)
}

func TestUpsertCaseDraft(t *testing.T) {
	cases := &fakeCaseStore{}
	p := testProcessor(t, cases, &fakeBlobStore{}, &fakeRecognizer{})

	msg := sourceMsg(`{
		"documents": [],
		"submission_metadata": {"creationTime": "2025-03-05T08:00:00Z", "transactionId": "TX-1"}
	}`)
	require.NoError(t, p.Process(context.Background(), intakeRow(core.ChannelESMD), msg))

	draft := cases.ensuredDraft
	require.NotNil(t, draft)
	assert.Equal(t, "d1", draft.DecisionTrackingID)
	require.NotNil(t, draft.ChannelSpecificID)
	assert.Equal(t, "TX-1", *draft.ChannelSpecificID)
	assert.Equal(t, time.Date(2025, 3, 5, 8, 0, 0, 0, time.UTC), draft.ReceivedDate.UTC())
	// Due date defaults to the 72h ladder until a submission type is synced.
	assert.Equal(t, time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC), draft.DueDate)
	assert.Equal(t, core.DetailedStatusNew, draft.DetailedStatus)
}

func TestDetectCoversheet(t *testing.T) {
	pages := []core.PageMeta{{PageNumber: 1}, {PageNumber: 2}, {PageNumber: 3}}

	mk := func(n int, conf float64) *ocr.Result {
		fields := make(map[string]core.Field, n)
		for i := 0; i < n; i++ {
			fields[fmt.Sprintf("f%d", i)] = core.Field{}
		}
		return &ocr.Result{Fields: fields, OverallConfidence: conf}
	}

	t.Run("most fields wins", func(t *testing.T) {
		got := detectCoversheet(pages, map[int]*ocr.Result{1: mk(2, 0.9), 2: mk(5, 0.3)})
		assert.Equal(t, 2, got)
	})

	t.Run("confidence breaks ties", func(t *testing.T) {
		got := detectCoversheet(pages, map[int]*ocr.Result{1: mk(4, 0.5), 3: mk(4, 0.8)})
		assert.Equal(t, 3, got)
	})

	t.Run("no fields no candidate", func(t *testing.T) {
		got := detectCoversheet(pages, map[int]*ocr.Result{1: mk(0, 0.9)})
		assert.Equal(t, 0, got)
	})

	t.Run("empty results", func(t *testing.T) {
		assert.Equal(t, 0, detectCoversheet(pages, map[int]*ocr.Result{}))
	})
}
