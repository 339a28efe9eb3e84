package pdfops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Page is one split artifact, 1-indexed, with its content hash.
type Page struct {
	PageNumber  int
	LocalPath   string
	ContentType string
	SizeBytes   int64
	SHA256      string
}

// Splitter breaks a consolidated PDF into per-page PDFs with stable
// ordering and per-page hashes.
type Splitter struct{}

func NewSplitter() *Splitter { return &Splitter{} }

// Split writes one PDF per page into outDir and returns the pages in order.
func (s *Splitter) Split(ctx context.Context, consolidatedPath, outDir string) ([]Page, error) {
	count, err := api.PageCountFile(consolidatedPath)
	if err != nil {
		return nil, fmt.Errorf("split: page count: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("split: %q has no pages", consolidatedPath)
	}
	if err := api.SplitFile(consolidatedPath, outDir, 1, nil); err != nil {
		return nil, fmt.Errorf("split pdf: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(consolidatedPath), filepath.Ext(consolidatedPath))
	pages := make([]Page, 0, count)
	for n := 1; n <= count; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pagePath := filepath.Join(outDir, fmt.Sprintf("%s_%d.pdf", base, n))
		info, err := os.Stat(pagePath)
		if err != nil {
			return nil, fmt.Errorf("split: missing page %d: %w", n, err)
		}
		sum, err := fileSHA256(pagePath)
		if err != nil {
			return nil, fmt.Errorf("split: hash page %d: %w", n, err)
		}
		pages = append(pages, Page{
			PageNumber:  n,
			LocalPath:   pagePath,
			ContentType: "application/pdf",
			SizeBytes:   info.Size(),
			SHA256:      sum,
		})
	}
	return pages, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
