// retry-queue-cleanup purges old completed and failed retry queue entries. Run it daily.
//
// Usage:
//
//	go run ./cmd/retry-queue-cleanup --retention-days 7 --failed-retention-days 30
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/workflow"
)

func main() {
	settings := config.GetRetryQueueSettings()
	retention := flag.Int("retention-days", settings.RetentionDays, "Days to keep completed entries")
	failedRetention := flag.Int("failed-retention-days", settings.FailedRetentionDays, "Days to keep failed entries")
	bucket := flag.String("archive-bucket", config.RetryQueueArchiveBucket(), "Optional: GCS bucket failed entries are archived to before deletion")
	prefix := flag.String("archive-prefix", "", "Optional: object prefix inside the archive bucket")
	dryRun := flag.Bool("dry-run", false, "Print the cutoffs and exit")
	flag.Parse()

	now := time.Now().UTC()
	if *dryRun {
		fmt.Printf("completed cutoff=%s failed cutoff=%s\n",
			workflow.RetentionCutoff(now, *retention).Format(time.RFC3339),
			workflow.RetentionCutoff(now, *failedRetention).Format(time.RFC3339))
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	var archiver workflow.RetryQueueArchiver
	if *bucket != "" {
		client, err := config.GetGCSClient(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "storage client: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()
		archiver = &workflow.GCSArchiver{Client: client, Bucket: *bucket, Prefix: *prefix}
	}

	res, err := workflow.CleanupRetryQueue(ctx, db, now, *retention, *failedRetention, archiver)
	out, _ := json.Marshal(res)
	fmt.Println(string(out))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		os.Exit(1)
	}
}
