package storage

import (
	"fmt"
	"strings"
	"time"

	storage "github.com/supabase-community/storage-go"
)

// Client wraps the blob store. The core treats photo contents as opaque; all
// it ever needs is uploading bytes and minting short-lived signed URLs for an
// active view session.
type Client struct {
	client *storage.Client
	bucket string
}

func NewClient(baseURL, serviceKey, bucket string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("storage: base url required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		client: storage.NewClient(baseURL+"/storage/v1", serviceKey, nil),
		bucket: bucket,
	}, nil
}

// PathFor builds the canonical object key for one delivery attempt.
func PathFor(requestID, agentID string, takenAt time.Time) string {
	return fmt.Sprintf("%s/%s_%d.jpg", requestID, agentID, takenAt.UnixMilli())
}

// Upload stores the photo bytes and returns the blob reference.
func (c *Client) Upload(path string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	upsert := false
	_, err := c.client.UploadFile(c.bucket, path, strings.NewReader(string(data)), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", path, err)
	}
	return path, nil
}

// SignedURL mints a temporary URL for the blob, valid for ttl.
func (c *Client) SignedURL(path string, ttl time.Duration) (string, error) {
	resp, err := c.client.CreateSignedUrl(c.bucket, path, int(ttl.Seconds()))
	if err != nil {
		return "", fmt.Errorf("storage: sign %s: %w", path, err)
	}
	return resp.SignedURL, nil
}

// Remove deletes a blob, used to clean up after a failed submit.
func (c *Client) Remove(path string) error {
	if _, err := c.client.RemoveFile(c.bucket, []string{path}); err != nil {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	return nil
}
