package syncapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/realtime"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
	"gorm.io/gorm"
)

// Broadcaster sends named broadcasts to an organization's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, orgID, topic string)
}

// API holds the remote store handlers.
type API struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Writers    *workflow.Writers
	Reconciler *workflow.Reconciler
	Processor  *workflow.RetryQueueProcessor
	Archiver   workflow.RetryQueueArchiver
	Broadcast  Broadcaster
	Settings   config.RetryQueueSettings

	CrewSecret   func() string
	CrewLifetime time.Duration
	Now          func() time.Time
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func orgParam(c *gin.Context) string {
	return c.Param("org_id")
}

func (a *API) GetSnapshot() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := models.GetOrgSnapshot(c.Request.Context(), a.DB, orgParam(c))
		if err != nil {
			a.respondError(c, "GetSnapshot", err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func (a *API) GetCrewJobs() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := models.GetCrewJobs(c.Request.Context(), a.DB, orgParam(c))
		if err != nil {
			a.respondError(c, "GetCrewJobs", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

type reconcileRequest struct {
	Actuals         models.Materials       `json:"actuals"`
	ExecutionStatus models.ExecutionStatus `json:"execution_status"`
}

func (a *API) ReconcileJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		res, err := a.Reconciler.ReconcileJob(c.Request.Context(), workflow.ReconcileInput{
			OrganizationId:  orgParam(c),
			JobId:           c.Param("job_id"),
			Actuals:         req.Actuals,
			ExecutionStatus: req.ExecutionStatus,
		})
		if err != nil {
			a.respondError(c, "ReconcileJob", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (a *API) EnqueueRetry() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in workflow.RetryEnqueueInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		in.OrganizationId = orgParam(c)
		if role, _ := utils.GetRoleFromContext(c.Request.Context()); role == utils.RoleCrew && in.TargetTable != workflow.TableJobReconciliation {
			a.respondError(c, "EnqueueRetry", utils.ErrorForbidden)
			return
		}
		entry, created, err := workflow.EnqueueRetry(c.Request.Context(), a.DB, in, a.now())
		if err != nil {
			a.respondError(c, "EnqueueRetry", err)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		c.JSON(status, entry)
	}
}

func (a *API) ListRetryEntries() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v, ok := c.GetQuery("limit"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		entries, err := workflow.ListRetryEntries(c.Request.Context(), a.DB, orgParam(c), models.RetryStatus(c.Query("status")), limit)
		if err != nil {
			a.respondError(c, "ListRetryEntries", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

type processRequest struct {
	BatchSize int `json:"batch_size"`
}

func (a *API) ProcessRetryBatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processRequest
		if err := bindOptionalJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		res, err := a.Processor.ProcessBatch(c.Request.Context(), req.BatchSize)
		if err != nil {
			a.respondError(c, "ProcessRetryBatch", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type cleanupRequest struct {
	RetentionDays       *int `json:"retention_days"`
	FailedRetentionDays *int `json:"failed_retention_days"`
}

func (a *API) cleanup(ctx context.Context, req cleanupRequest) (workflow.CleanupResult, error) {
	retention := a.Settings.RetentionDays
	if req.RetentionDays != nil {
		retention = *req.RetentionDays
	}
	failedRetention := a.Settings.FailedRetentionDays
	if req.FailedRetentionDays != nil {
		failedRetention = *req.FailedRetentionDays
	}
	return workflow.CleanupRetryQueue(ctx, a.DB, a.now(), retention, failedRetention, a.Archiver)
}

func (a *API) CleanupRetryQueue() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cleanupRequest
		if err := bindOptionalJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		res, err := a.cleanup(c.Request.Context(), req)
		if err != nil {
			a.respondError(c, "CleanupRetryQueue", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// schedulerMessage is the Pub/Sub payload a scheduler sends to drive the queue.
type schedulerMessage struct {
	Action string `json:"action"`
	processRequest
	cleanupRequest
}

// PubSubRetryQueue handles Pub/Sub push deliveries. Malformed messages are acked
// with 204; processing failures answer 500 so Pub/Sub redelivers.
func (a *API) PubSubRetryQueue() gin.HandlerFunc {
	return func(c *gin.Context) {
		var env config.PushEnvelope
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(a.Logger, "syncapi", "PubSubRetryQueue", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		if err := json.Unmarshal(body, &env); err != nil {
			config.LogError(a.Logger, "syncapi", "PubSubRetryQueue", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg schedulerMessage
		if len(env.Message.Data) > 0 {
			if err := json.Unmarshal(env.Message.Data, &msg); err != nil {
				config.LogError(a.Logger, "syncapi", "PubSubRetryQueue", "Unmarshal message", string(env.Message.Data), err)
				c.Status(http.StatusNoContent)
				return
			}
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), env.Message.ID)
		fields := logrus.Fields{"field": "PubSubRetryQueue", "message_id": env.Message.ID, "action": msg.Action}
		switch msg.Action {
		case "", "process":
			res, err := a.Processor.ProcessBatch(ctx, msg.BatchSize)
			if err != nil {
				a.Logger.WithFields(fields).Error("retry queue processing failed: " + err.Error())
				c.Status(http.StatusInternalServerError)
				return
			}
			fields["processed"] = res.Processed
		case "cleanup":
			res, err := a.cleanup(ctx, msg.cleanupRequest)
			if err != nil {
				if utils.IsValidationError(err) {
					config.LogError(a.Logger, "syncapi", "PubSubRetryQueue", "cleanup", msg, err)
					c.Status(http.StatusNoContent)
					return
				}
				a.Logger.WithFields(fields).Error("retry queue cleanup failed: " + err.Error())
				c.Status(http.StatusInternalServerError)
				return
			}
			fields["completed_purged"] = res.CompletedPurged
			fields["failed_purged"] = res.FailedPurged
		default:
			a.Logger.WithFields(fields).Warn("unknown scheduler action; dropped")
		}
		a.Logger.WithFields(fields).Debug("scheduler message handled")
		c.Status(http.StatusNoContent)
	}
}

func (a *API) PutSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		res, err := a.Writers.Apply(c.Request.Context(), workflow.WriteRequest{
			OrganizationId: orgParam(c),
			Table:          workflow.TableOrganizations,
			Operation:      models.RetryOperationUpdate,
			Payload:        body,
			WriteId:        writeIdHeader(c),
		})
		if err != nil {
			a.respondError(c, "PutSettings", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// PutEntity upserts one row of table. The :id route parameter wins over any id in the body.
func (a *API) PutEntity(table string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var fields map[string]json.RawMessage
		if err := c.ShouldBindJSON(&fields); err != nil || fields == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		id, _ := json.Marshal(c.Param("id"))
		fields["id"] = id
		payload, _ := json.Marshal(fields)

		op := models.RetryOperationUpsert
		if v := c.Query("operation"); v != "" {
			op = models.RetryOperation(v)
		}
		res, err := a.Writers.Apply(c.Request.Context(), workflow.WriteRequest{
			OrganizationId: orgParam(c),
			Table:          table,
			Operation:      op,
			Payload:        payload,
			ConflictKey:    c.Query("conflict_key"),
			WriteId:        writeIdHeader(c),
		})
		if err != nil {
			a.respondError(c, "PutEntity", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (a *API) DeleteEntity(table string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, _ := json.Marshal(map[string]string{"id": c.Param("id")})
		res, err := a.Writers.Apply(c.Request.Context(), workflow.WriteRequest{
			OrganizationId: orgParam(c),
			Table:          table,
			Operation:      models.RetryOperationDelete,
			Payload:        payload,
			WriteId:        writeIdHeader(c),
		})
		if err != nil {
			a.respondError(c, "DeleteEntity", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type crewSessionRequest struct {
	OrganizationName string `json:"organization_name" binding:"required"`
	Pin              string `json:"pin" binding:"required"`
}

// CrewSession exchanges an organization name and crew PIN for a capability token.
func (a *API) CrewSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req crewSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		org, err := models.VerifyCrewPin(c.Request.Context(), a.DB, req.OrganizationName, req.Pin)
		if err != nil {
			a.respondError(c, "CrewSession", err)
			return
		}
		now := a.now()
		token, err := utils.CrewTokenGenerate(a.CrewSecret(), org.ID, a.CrewLifetime, now)
		if err != nil {
			a.respondError(c, "CrewSession", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":             token,
			"organization_id":   org.ID,
			"organization_name": org.Name,
			"expires_at":        now.Add(a.CrewLifetime).Format(time.RFC3339),
		})
	}
}

func (a *API) WorkOrderUpdated() gin.HandlerFunc {
	return func(c *gin.Context) {
		a.Broadcast.Broadcast(c.Request.Context(), orgParam(c), realtime.TopicWorkOrderUpdated)
		c.Status(http.StatusAccepted)
	}
}

func bindOptionalJSON(c *gin.Context, dest any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dest)
}

// IdempotencyHeader carries the client's write id. Resending a write with the
// same value is acknowledged without applying it twice.
const IdempotencyHeader = "Idempotency-Key"

func writeIdHeader(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(IdempotencyHeader))
}
