// Package payload is the typed boundary over the schemaless source message
// payload. Anything not named here round-trips through Raw untouched.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/svcops/intake/internal/core"
)

// ErrInvalidPayload marks parse/validation failures. They are not retried
// locally; the inbox backoff ladder and DEAD promotion handle them.
var ErrInvalidPayload = errors.New("invalid payload")

// DocumentRef is one upstream document reference inside the payload.
type DocumentRef struct {
	Name              string `json:"name"`
	ContentType       string `json:"content_type"`
	SourceAbsoluteURL string `json:"source_absolute_url"`
}

// SubmissionMetadata is the optional envelope the ESMD/Fax channels carry.
type SubmissionMetadata struct {
	CreationTime  string `json:"creationTime"`
	TransactionID string `json:"transactionId"`
}

// OCRSection is the optional pre-extracted field block the Portal channel
// carries.
type OCRSection struct {
	Fields         map[string]json.RawMessage `json:"fields"`
	PartType       string                     `json:"part_type"`
	CoversheetType string                     `json:"coversheet_type"`
}

// Parsed is the typed view of a source payload.
type Parsed struct {
	SubmissionMetadata *SubmissionMetadata
	Documents          []DocumentRef
	OCR                *OCRSection
	PacketID           string
	MessageType        string

	// Raw is the full undecoded payload, preserved for round-tripping.
	Raw map[string]json.RawMessage
}

type rawPayload struct {
	SubmissionMetadata *SubmissionMetadata `json:"submission_metadata"`
	Documents          []DocumentRef       `json:"documents"`
	OCR                *OCRSection         `json:"ocr"`
	PacketID           string              `json:"packet_id"`
	MessageType        string              `json:"messageType"`
}

// Parse decodes a source payload. A payload that is not a JSON object fails
// with ErrInvalidPayload.
func Parse(data []byte) (*Parsed, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var rp rawPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &Parsed{
		SubmissionMetadata: rp.SubmissionMetadata,
		Documents:          rp.Documents,
		OCR:                rp.OCR,
		PacketID:           rp.PacketID,
		MessageType:        rp.MessageType,
		Raw:                raw,
	}, nil
}

// ShapeOK is the poll-time filter: does the raw payload have the expected
// intake-or-ack shape for its message type? Rows failing this are left
// behind the watermark and re-seen on every poll.
func ShapeOK(mt core.MessageType, data []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return false
	}
	switch mt {
	case core.MessageIntake:
		docs, ok := raw["documents"]
		if !ok {
			return false
		}
		var arr []json.RawMessage
		return json.Unmarshal(docs, &arr) == nil
	case core.MessageAckSuccess, core.MessageAckFail:
		_, ok := raw["messageType"]
		return ok
	default:
		return false
	}
}

// SubmissionTime extracts the submission timestamp per the channel rule:
// ESMD/Fax read submission_metadata.creationTime, Portal reads the payload's
// "Submitted Date" OCR field, and the source row's created_at is the
// fallback. The raw timezone is preserved.
func (p *Parsed) SubmissionTime(channel core.ChannelType, fallback time.Time) time.Time {
	var candidate string
	switch channel {
	case core.ChannelPortal:
		if p.OCR != nil {
			if rawField, ok := p.OCR.Fields["Submitted Date"]; ok {
				var f struct {
					Value string `json:"value"`
				}
				if err := json.Unmarshal(rawField, &f); err == nil {
					candidate = f.Value
				}
			}
		}
	default:
		if p.SubmissionMetadata != nil {
			candidate = p.SubmissionMetadata.CreationTime
		}
	}
	if candidate == "" {
		return fallback
	}
	if t, err := ParseTimestamp(candidate); err == nil {
		return t
	}
	return fallback
}

// ChannelSpecificID resolves the channel-typed external identifier:
// Portal uses the payload's packet id, ESMD the transaction id, Fax none.
func (p *Parsed) ChannelSpecificID(channel core.ChannelType) *string {
	var id string
	switch channel {
	case core.ChannelPortal:
		id = p.PacketID
	case core.ChannelESMD:
		if p.SubmissionMetadata != nil {
			id = p.SubmissionMetadata.TransactionID
		}
	}
	if id == "" {
		return nil
	}
	return &id
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseTimestamp accepts the handful of timestamp shapes upstream systems
// emit, preserving any explicit offset.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
