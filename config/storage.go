package config

import (
	"context"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GetGCSClient returns a new Cloud Storage client. Callers close it.
// Prefers ADC; GCS_CREDENTIALS_JSON overrides for local runs.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// RetryQueueArchiveBucket is where purged failed entries are archived. Empty disables archiving.
func RetryQueueArchiveBucket() string {
	return strings.TrimSpace(os.Getenv("RETRY_QUEUE_ARCHIVE_BUCKET"))
}
