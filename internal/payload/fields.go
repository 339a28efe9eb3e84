package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/svcops/intake/internal/core"
)

// DecodeField converts one raw payload field entry into a core.Field.
// Values may arrive as strings or numbers; both are accepted. The field
// type is stripped of its enum prefix ("DocumentFieldType.STRING" → "STRING").
func DecodeField(raw json.RawMessage) (core.Field, error) {
	var entry struct {
		Value      json.RawMessage `json:"value"`
		Confidence float64         `json:"confidence"`
		FieldType  string          `json:"field_type"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return core.Field{}, err
	}

	var value string
	if len(entry.Value) > 0 {
		var s string
		if err := json.Unmarshal(entry.Value, &s); err == nil {
			value = s
		} else {
			var n json.Number
			if err := json.Unmarshal(entry.Value, &n); err == nil {
				value = n.String()
			} else {
				value = strings.Trim(string(entry.Value), `"`)
			}
		}
	}

	return core.Field{
		Value:      value,
		Confidence: entry.Confidence,
		FieldType:  StripFieldTypePrefix(entry.FieldType),
	}, nil
}

// StripFieldTypePrefix removes a dotted enum prefix from a field type name.
func StripFieldTypePrefix(t string) string {
	if i := strings.LastIndex(t, "."); i >= 0 {
		return t[i+1:]
	}
	return t
}

// BundleFromOCRSection builds the Portal field bundle out of payload.ocr.
// Fails with ErrInvalidPayload when ocr or ocr.fields is missing.
func BundleFromOCRSection(ocr *OCRSection) (*core.FieldBundle, error) {
	if ocr == nil {
		return nil, fmt.Errorf("%w: payload.ocr missing", ErrInvalidPayload)
	}
	if ocr.Fields == nil {
		return nil, fmt.Errorf("%w: payload.ocr.fields missing", ErrInvalidPayload)
	}
	bundle := &core.FieldBundle{
		Fields:         make(map[string]core.Field, len(ocr.Fields)),
		Source:         core.SourcePayloadInitial,
		CoversheetType: ocr.CoversheetType,
	}
	for name, raw := range ocr.Fields {
		f, err := DecodeField(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidPayload, name, err)
		}
		bundle.Fields[name] = f
	}
	return bundle, nil
}

// CanonicalFieldName trims and collapses internal whitespace in a field name.
func CanonicalFieldName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// Normalize canonicalizes field names and types and deduplicates entries.
// When two raw names canonicalize to the same field, the higher-confidence
// value wins. The input bundle is not mutated.
func Normalize(b *core.FieldBundle) *core.FieldBundle {
	if b == nil {
		return nil
	}
	out := &core.FieldBundle{
		Fields:         make(map[string]core.Field, len(b.Fields)),
		Source:         b.Source,
		CoversheetType: b.CoversheetType,
	}
	for name, f := range b.Fields {
		canon := CanonicalFieldName(name)
		if canon == "" {
			continue
		}
		f.FieldType = strings.ToUpper(StripFieldTypePrefix(f.FieldType))
		if existing, ok := out.Fields[canon]; ok && existing.Confidence >= f.Confidence {
			continue
		}
		out.Fields[canon] = f
	}
	return out
}

// AutoFix is the silent repair pass applied to the working copy only:
// values are whitespace-trimmed and confidences clamped into [0, 1].
// The immutable baseline is never touched.
func AutoFix(b *core.FieldBundle) {
	if b == nil {
		return
	}
	for name, f := range b.Fields {
		f.Value = strings.TrimSpace(f.Value)
		if f.Confidence < 0 {
			f.Confidence = 0
		}
		if f.Confidence > 1 {
			f.Confidence = 1
		}
		b.Fields[name] = f
	}
}
