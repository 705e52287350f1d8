// retry-queue-process replays due retry queue entries once, for schedulers that
// run the processor out of process (Cloud Scheduler job, cron).
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/retry-queue-process --batch-size 50
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/realtime"
	"github.com/sprayworks/foam_backend/workflow"
)

func main() {
	settings := config.GetRetryQueueSettings()
	batchSize := flag.Int("batch-size", settings.BatchSize, "Maximum entries to claim")
	batches := flag.Int("batches", 1, "Number of batches to run; stops early when a batch claims nothing")
	redisWait := flag.Duration("redis-wait", 10*time.Second, "How long to wait for redis before publishing locally")
	flag.Parse()

	if *batchSize <= 0 || *batches <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-size and --batches must be positive")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	// Change notifications reach connected sessions through redis; without it
	// replays still commit but nobody is told.
	rctx, cancel := context.WithTimeout(context.Background(), *redisWait)
	config.ConnectRedisWithRetry(rctx)
	cancel()
	rdb := config.GetRedisDB()
	if rdb == nil {
		logger.WithFields(logrus.Fields{"field": "retry-queue-process"}).Warn("redis unavailable; change notifications are not delivered")
	}
	bus := realtime.NewBus(realtime.NewHub(), rdb, logger)

	reconciler := workflow.NewReconciler(db, logger, config.GetRedisLock(), bus)
	writers := workflow.NewWriters(db, logger, reconciler, bus)
	processor := workflow.NewRetryQueueProcessor(db, logger, writers, settings)
	if topic := config.DeadLetterTopic(); topic != "" {
		processor.DeadLetter = workflow.PubSubDeadLetter{Topic: topic}
	}

	ctx := context.Background()
	var total workflow.BatchResult
	for i := 0; i < *batches; i++ {
		res, err := processor.ProcessBatch(ctx, *batchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "process batch: %v\n", err)
			os.Exit(1)
		}
		total.Processed += res.Processed
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		total.Retrying += res.Retrying
		if res.Processed == 0 {
			break
		}
	}

	out, _ := json.Marshal(total)
	fmt.Println(string(out))
	if rdb != nil {
		_ = rdb.Close()
	}
}
