package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeDueDate(t *testing.T) {
	received := time.Date(2025, 3, 10, 17, 45, 12, 0, time.UTC)

	tests := []struct {
		name string
		st   SubmissionType
		want time.Time
	}{
		{"expedited adds 48h from midnight", SubmissionExpedited, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)},
		{"standard adds 72h from midnight", SubmissionStandard, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)},
		{"unset treated as standard", SubmissionUnset, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeDueDate(received, tt.st))
		})
	}
}

func TestComputeDueDateNonUTCInput(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	received := time.Date(2025, 3, 10, 22, 30, 0, 0, loc) // 2025-03-11 03:30 UTC
	got := ComputeDueDate(received, SubmissionExpedited)
	assert.Equal(t, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), got)
}

func TestNormalizeChannel(t *testing.T) {
	intp := func(v int) *int { return &v }

	assert.Equal(t, ChannelESMD, NormalizeChannel(nil))
	assert.Equal(t, ChannelPortal, NormalizeChannel(intp(1)))
	assert.Equal(t, ChannelFax, NormalizeChannel(intp(2)))
	assert.Equal(t, ChannelESMD, NormalizeChannel(intp(3)))
	assert.Equal(t, ChannelESMD, NormalizeChannel(intp(99)))
}

func TestWatermarkOrdering(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Watermark{LastCreatedAt: base, LastMessageID: 5}
	b := Watermark{LastCreatedAt: base, LastMessageID: 6}
	c := Watermark{LastCreatedAt: base.Add(time.Second), LastMessageID: 1}

	assert.True(t, a.Less(b))
	assert.True(t, a.Less(c))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
}

func TestWatermarkMax(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Watermark{LastCreatedAt: base.Add(time.Minute), LastMessageID: 3}
	b := Watermark{LastCreatedAt: base, LastMessageID: 9}

	// Element-wise max matches the SQL GREATEST upsert.
	got := a.Max(b)
	assert.Equal(t, base.Add(time.Minute), got.LastCreatedAt)
	assert.Equal(t, int64(9), got.LastMessageID)
}

func TestPagesMetadataWellFormed(t *testing.T) {
	tests := []struct {
		name string
		meta *PagesMetadata
		want bool
	}{
		{"nil", nil, false},
		{"empty pages", &PagesMetadata{Version: 1}, false},
		{"valid", &PagesMetadata{Version: 1, Pages: []PageMeta{
			{PageNumber: 1, BlobPath: "a/b.pdf"},
			{PageNumber: 2, BlobPath: "a/c.pdf"},
		}}, true},
		{"zero page number", &PagesMetadata{Version: 1, Pages: []PageMeta{
			{PageNumber: 0, BlobPath: "a/b.pdf"},
		}}, false},
		{"missing blob path", &PagesMetadata{Version: 1, Pages: []PageMeta{
			{PageNumber: 1},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.meta.WellFormed())
		})
	}
}

func TestFieldBundleClone(t *testing.T) {
	orig := &FieldBundle{
		Fields: map[string]Field{"Name": {Value: "A", Confidence: 0.9, FieldType: "STRING"}},
		Source: SourceOCRInitial,
	}
	cp := orig.Clone()
	cp.Fields["Name"] = Field{Value: "B"}

	assert.Equal(t, "A", orig.Fields["Name"].Value)
	assert.Equal(t, SourceOCRInitial, cp.Source)
}

func TestFieldBundleEmpty(t *testing.T) {
	var nilBundle *FieldBundle
	assert.True(t, nilBundle.Empty())
	assert.True(t, (&FieldBundle{Fields: map[string]Field{}}).Empty())
	assert.False(t, (&FieldBundle{Fields: map[string]Field{"x": {}}}).Empty())
}
