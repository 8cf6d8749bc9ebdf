package storage

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresBaseURL(t *testing.T) {
	client, err := NewClient("", "service-key", "photos")
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestNewClient_AcceptsTrailingSlash(t *testing.T) {
	client, err := NewClient("https://example.supabase.co/", "service-key", "photos")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, "photos", client.bucket)
}

func TestPathFor(t *testing.T) {
	takenAt := time.UnixMilli(1700000000000).UTC()
	path := PathFor("req-1", "agent-9", takenAt)
	assert.Equal(t, "req-1/agent-9_1700000000000.jpg", path)
}

func TestUploadAndSignedURL_Live(t *testing.T) {
	baseURL := os.Getenv("STORAGE_URL")
	serviceKey := os.Getenv("STORAGE_SERVICE_KEY")
	if baseURL == "" || serviceKey == "" {
		t.Skip("STORAGE_URL and STORAGE_SERVICE_KEY not set; skipping live storage test")
	}

	client, err := NewClient(baseURL, serviceKey, "photodrop-photos")
	require.NoError(t, err)

	path := PathFor("test-request", "test-agent", time.Now())
	_, err = client.Upload(path, []byte("not really a jpeg"), "image/jpeg")
	require.NoError(t, err)
	defer client.Remove(path)

	url, err := client.SignedURL(path, 180*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}
