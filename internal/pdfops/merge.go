package pdfops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// InputDoc is one downloaded payload document queued for consolidation.
type InputDoc struct {
	LocalPath   string
	ContentType string
}

// Merger concatenates heterogeneous input documents into a single PDF in
// payload order. PDF inputs pass through; plain-text inputs are rendered to
// single-page PDFs first. MIME matching is case-insensitive.
type Merger struct{}

func NewMerger() *Merger { return &Merger{} }

func (m *Merger) Merge(ctx context.Context, inputs []InputDoc, outPath string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("merge: no input documents")
	}

	paths := make([]string, 0, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch normalizeContentType(in.ContentType) {
		case "application/pdf":
			paths = append(paths, in.LocalPath)
		case "text/plain":
			data, err := os.ReadFile(in.LocalPath)
			if err != nil {
				return fmt.Errorf("merge: read text input: %w", err)
			}
			pdfPath := filepath.Join(filepath.Dir(outPath), fmt.Sprintf("textdoc_%d.pdf", i))
			if err := WriteTextPDF(pdfPath, string(data)); err != nil {
				return fmt.Errorf("merge: render text input: %w", err)
			}
			paths = append(paths, pdfPath)
		default:
			return fmt.Errorf("merge: unsupported content type %q", in.ContentType)
		}
	}

	if err := api.MergeCreateFile(paths, outPath, false, nil); err != nil {
		return fmt.Errorf("merge pdfs: %w", err)
	}
	return nil
}

// normalizeContentType lowercases the MIME type and drops any parameters.
func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
