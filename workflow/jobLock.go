package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const jobLockTTL = 30 * time.Second

// obtainJobLock takes a best-effort redis lock on one job so duplicate submissions
// from several instances queue up instead of contending on the row lock.
// Correctness does not depend on it: the job row is locked FOR UPDATE regardless.
// The returned release func is never nil.
func obtainJobLock(ctx context.Context, locker *redislock.Client, logger *logrus.Logger, jobID string) func() {
	noop := func() {}
	if locker == nil {
		return noop
	}
	opts := &redislock.Options{RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20)}
	lock, err := locker.Obtain(ctx, "lock:job:"+jobID, jobLockTTL, opts)
	if err != nil {
		if logger != nil {
			msg := "error obtaining redis lock; proceeding without redis lock: " + err.Error()
			if errors.Is(err, redislock.ErrNotObtained) {
				msg = "could not obtain redis lock; proceeding without redis lock"
			}
			logger.WithFields(logrus.Fields{
				"field":  "obtainJobLock",
				"job_id": jobID,
			}).Warn(msg)
		}
		return noop
	}
	return func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":  "obtainJobLock",
				"job_id": jobID,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}
}
