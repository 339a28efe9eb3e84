// Package blob wraps the Azure Blob Storage SDK with the two operations the
// pipeline needs: download-to-temp and upload-from-temp, both with
// adapter-level retries for short-lived network glitches.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	log "github.com/sirupsen/logrus"
)

// Client talks to one storage account with a read-only SOURCE container and
// a write-only DEST container. All uploads overwrite: blob paths are
// deterministic, so reruns rewrite the same artifacts instead of
// duplicating them.
type Client struct {
	azure           *azblob.Client
	sourceContainer string
	destContainer   string
	maxRetries      int
}

// New builds a client from a connection string. The container names must be
// distinct; config validation enforces that before this is reached.
func New(connectionString, sourceContainer, destContainer string, maxRetries int) (*Client, error) {
	azure, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		azure:           azure,
		sourceContainer: sourceContainer,
		destContainer:   destContainer,
		maxRetries:      maxRetries,
	}, nil
}

// VerifyContainers checks that both containers are reachable. Used by the
// environment-check CLI and at service startup.
func (c *Client) VerifyContainers(ctx context.Context) error {
	for _, name := range []string{c.sourceContainer, c.destContainer} {
		if _, err := c.azure.ServiceClient().NewContainerClient(name).GetProperties(ctx, nil); err != nil {
			return fmt.Errorf("container %q unreachable: %w", name, err)
		}
	}
	return nil
}

// DownloadSource fetches a source-container document, referenced by its
// absolute URL, into localPath. The blob name is resolved relative to the
// source container; URLs pointing elsewhere are rejected.
func (c *Client) DownloadSource(ctx context.Context, absoluteURL, localPath string) error {
	blobName, err := c.sourceBlobName(absoluteURL)
	if err != nil {
		return err
	}
	return c.download(ctx, c.sourceContainer, blobName, localPath)
}

// DownloadDest fetches one of our own artifacts (e.g. the consolidated PDF
// on a split-stage resume) into localPath.
func (c *Client) DownloadDest(ctx context.Context, blobPath, localPath string) error {
	return c.download(ctx, c.destContainer, blobPath, localPath)
}

// Upload writes localPath to the destination container at blobPath,
// overwriting any existing blob.
func (c *Client) Upload(ctx context.Context, localPath, blobPath string) error {
	return c.withRetry(ctx, "upload", blobPath, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = c.azure.UploadFile(ctx, c.destContainer, blobPath, f, &azblob.UploadFileOptions{})
		return err
	})
}

func (c *Client) download(ctx context.Context, container, blobName, localPath string) error {
	return c.withRetry(ctx, "download", blobName, func(ctx context.Context) error {
		f, err := os.Create(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = c.azure.DownloadFile(ctx, container, blobName, f, nil)
		return err
	})
}

func (c *Client) withRetry(ctx context.Context, op, blobName string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * time.Second):
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		log.WithFields(log.Fields{
			"op":      op,
			"blob":    blobName,
			"attempt": attempt,
		}).WithError(lastErr).Warn("blob operation failed")
	}
	return fmt.Errorf("blob %s %q: %w", op, blobName, lastErr)
}

// sourceBlobName extracts the blob name from an absolute source URL of the
// shape https://<account>/<container>/<blob...>.
func (c *Client) sourceBlobName(absoluteURL string) (string, error) {
	u, err := url.Parse(absoluteURL)
	if err != nil {
		return "", fmt.Errorf("parse source url %q: %w", absoluteURL, err)
	}
	path := strings.TrimPrefix(u.Path, "/")
	container, blobName, found := strings.Cut(path, "/")
	if !found || blobName == "" {
		return "", fmt.Errorf("source url %q has no blob path", absoluteURL)
	}
	if container != c.sourceContainer {
		return "", fmt.Errorf("source url %q is outside the source container", absoluteURL)
	}
	return blobName, nil
}
