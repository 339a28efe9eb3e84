// Package channel implements the per-channel processing policies. The
// strategy set is closed: Portal, Fax and ESMD, with unknown channels
// treated as ESMD.
package channel

import (
	"strings"

	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/payload"
)

// Strategy is the per-channel policy contract: whether OCR runs, how fields
// are extracted from the payload, how the coversheet page is chosen and how
// the Part A/B classification is made.
type Strategy interface {
	Channel() core.ChannelType

	// RunsOCR reports whether Stage D goes through the OCR service.
	RunsOCR() bool

	// ExtractFieldsFromPayload builds the field bundle for channels that
	// carry pre-extracted fields. OCR channels do not support it.
	ExtractFieldsFromPayload(p *payload.Parsed) (*core.FieldBundle, error)

	// CoversheetPage resolves the coversheet page number once extraction
	// has produced its metadata. Portal has no physical coversheet.
	CoversheetPage(meta *core.OCRMetadata) *int

	// ClassifyPart derives the Part A/B categorization for the submission.
	ClassifyPart(p *payload.Parsed, bundle *core.FieldBundle) core.PartType
}

// ForChannel returns the strategy for a channel id. Unknown ids fall back
// to ESMD, matching the source-row normalization rule.
func ForChannel(ct core.ChannelType) Strategy {
	switch ct {
	case core.ChannelPortal:
		return portalStrategy{}
	case core.ChannelFax:
		return ocrStrategy{channel: core.ChannelFax}
	default:
		return ocrStrategy{channel: core.ChannelESMD}
	}
}

// ============================================================================
// OCR CHANNELS (ESMD, FAX)
// ============================================================================

type ocrStrategy struct {
	channel core.ChannelType
}

func (s ocrStrategy) Channel() core.ChannelType { return s.channel }

func (s ocrStrategy) RunsOCR() bool { return true }

func (s ocrStrategy) ExtractFieldsFromPayload(_ *payload.Parsed) (*core.FieldBundle, error) {
	return nil, payload.ErrInvalidPayload
}

func (s ocrStrategy) CoversheetPage(meta *core.OCRMetadata) *int {
	if meta == nil {
		return nil
	}
	return meta.CoversheetPageNumber
}

func (s ocrStrategy) ClassifyPart(_ *payload.Parsed, bundle *core.FieldBundle) core.PartType {
	if bundle == nil {
		return core.PartUnknown
	}
	return ClassifyPart(bundle.CoversheetType, bundle.Fields)
}

// ============================================================================
// PORTAL
// ============================================================================

type portalStrategy struct{}

func (portalStrategy) Channel() core.ChannelType { return core.ChannelPortal }

func (portalStrategy) RunsOCR() bool { return false }

func (portalStrategy) ExtractFieldsFromPayload(p *payload.Parsed) (*core.FieldBundle, error) {
	if p == nil {
		return nil, payload.ErrInvalidPayload
	}
	return payload.BundleFromOCRSection(p.OCR)
}

// Portal submissions have no physical coversheet page.
func (portalStrategy) CoversheetPage(_ *core.OCRMetadata) *int { return nil }

func (portalStrategy) ClassifyPart(p *payload.Parsed, bundle *core.FieldBundle) core.PartType {
	if p != nil && p.OCR != nil {
		switch core.PartType(p.OCR.PartType) {
		case core.PartA, core.PartB, core.PartUnknown:
			return core.PartType(p.OCR.PartType)
		}
	}
	if bundle == nil {
		return core.PartUnknown
	}
	return ClassifyPart(bundle.CoversheetType, bundle.Fields)
}

// ============================================================================
// PART CLASSIFIER
// ============================================================================

// ClassifyPart normalizes the candidate text (coversheet type, else the
// title field) and matches the Medicare part substrings. When both parts
// appear, Part A wins.
func ClassifyPart(coversheetType string, fields map[string]core.Field) core.PartType {
	candidate := coversheetType
	if candidate == "" {
		for name, f := range fields {
			if strings.EqualFold(payload.CanonicalFieldName(name), "title") {
				candidate = f.Value
				break
			}
		}
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(candidate), " "))
	switch {
	case strings.Contains(normalized, "medicare part a"):
		return core.PartA
	case strings.Contains(normalized, "medicare part b"):
		return core.PartB
	default:
		return core.PartUnknown
	}
}
