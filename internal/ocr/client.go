// Package ocr is the HTTP adapter for the field-extraction service: POST a
// per-page PDF, receive structured field results. Transient failures are
// retried here; persistent ones surface to the stage and land in the inbox
// backoff ladder.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/circuitbreaker"
	"github.com/svcops/intake/internal/core"
)

// Result is the per-page response of the OCR service.
type Result struct {
	Fields            map[string]core.Field `json:"fields"`
	OverallConfidence float64               `json:"overall_document_confidence"`
	DurationMs        int64                 `json:"duration_ms"`
	CoversheetType    string                `json:"coversheet_type"`
	DocType           string                `json:"doc_type"`
	Raw               json.RawMessage       `json:"raw"`
}

// Config carries the OCR connection knobs.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	Retries        int
}

// Client posts page PDFs to the recognition endpoint. A circuit breaker
// keeps a degraded service from consuming the whole per-page timeout on
// every remaining page.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	transport := http.DefaultTransport
	if cfg.ConnectTimeout > 0 {
		transport = &http.Transport{
			ResponseHeaderTimeout: cfg.ConnectTimeout,
		}
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.TotalTimeout,
			Transport: transport,
		},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("ocr")),
	}
}

// Recognize submits the PDF at pdfPath and decodes the structured result.
func (c *Client) Recognize(ctx context.Context, pdfPath string) (*Result, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("ocr: read page pdf: %w", err)
	}

	var result *Result
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * time.Second):
			}
		}
		lastErr = c.breaker.Execute(func() error {
			r, err := c.post(ctx, data)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if lastErr == nil {
			return result, nil
		}
		log.WithFields(log.Fields{
			"page_pdf": pdfPath,
			"attempt":  attempt + 1,
		}).WithError(lastErr).Warn("ocr request failed")
	}
	return nil, fmt.Errorf("ocr recognize: %w", lastErr)
}

func (c *Client) post(ctx context.Context, pdf []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/recognize", bytes.NewReader(pdf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, body)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}
	if result.Fields == nil {
		result.Fields = map[string]core.Field{}
	}
	return &result, nil
}
