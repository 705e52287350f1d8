package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/models"
)

// PubSubDeadLetter publishes failed entries to a Pub/Sub topic.
type PubSubDeadLetter struct {
	Topic string
}

type deadLetterMessage struct {
	EntryId        int                   `json:"entry_id"`
	OrganizationId string                `json:"organization_id"`
	TargetTable    string                `json:"target_table"`
	Operation      models.RetryOperation `json:"operation"`
	Attempts       int                   `json:"attempts"`
	LastError      string                `json:"last_error"`
	FinishedAt     *time.Time            `json:"finished_at"`
}

func (d PubSubDeadLetter) PublishDeadLetter(ctx context.Context, e models.RetryQueueEntry) error {
	msg := deadLetterMessage{
		EntryId:        e.ID,
		OrganizationId: e.OrganizationId,
		TargetTable:    e.TargetTable,
		Operation:      e.Operation,
		Attempts:       e.Attempts,
		FinishedAt:     e.FinishedAt,
	}
	if e.LastError != nil {
		msg.LastError = *e.LastError
	}
	_, err := config.PublishJSON(ctx, d.Topic, msg, map[string]string{
		"organization_id": e.OrganizationId,
		"target_table":    e.TargetTable,
		"entry_id":        strconv.Itoa(e.ID),
	})
	return err
}

// GCSArchiver writes failed entries as JSON lines, one object per cleanup batch.
type GCSArchiver struct {
	Client *storage.Client
	Bucket string
	Prefix string
	Now    func() time.Time
}

// ArchiveObjectName is the object a batch archived at t is written to.
func ArchiveObjectName(prefix string, t time.Time, firstID int) string {
	if prefix == "" {
		prefix = "retry-queue/failed"
	}
	t = t.UTC()
	return fmt.Sprintf("%s/%s/%d-%d.jsonl", prefix, t.Format("2006/01/02"), t.UnixNano(), firstID)
}

// EncodeJSONLines renders entries one JSON object per line.
func EncodeJSONLines(entries []models.RetryQueueEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (a *GCSArchiver) ArchiveFailed(ctx context.Context, entries []models.RetryQueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := EncodeJSONLines(entries)
	if err != nil {
		return err
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	wc := a.Client.Bucket(a.Bucket).Object(ArchiveObjectName(a.Prefix, now, entries[0].ID)).NewWriter(ctx)
	wc.ContentType = "application/x-ndjson"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}
