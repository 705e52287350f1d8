package syncapi

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/middlewares"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
)

// entityRoutes maps URL segments to writer tables.
var entityRoutes = map[string]string{
	"jobs":      workflow.TableJobs,
	"customers": workflow.TableCustomers,
	"inventory": workflow.TableInventoryItems,
	"equipment": workflow.TableEquipment,
}

// Register mounts the API. Session and crew middlewares must already run on r.
// crewLimiter, when set, guards the PIN exchange.
func (a *API) Register(r gin.IRouter, internalKey func() string, crewLimiter gin.HandlerFunc) {
	if a.Logger == nil {
		a.Logger = logrus.New()
	}

	crew := r.Group("/api/crew")
	if crewLimiter != nil {
		crew.Use(crewLimiter)
	}
	crew.POST("/session", a.CrewSession())

	org := r.Group("/api/orgs/:org_id", middlewares.RequireOrganization())
	admin := middlewares.RequireSession(utils.RoleAdmin)
	anyRole := middlewares.RequireSession(utils.RoleAdmin, utils.RoleCrew)

	org.GET("/snapshot", admin, a.GetSnapshot())
	org.GET("/crew-jobs", anyRole, a.GetCrewJobs())
	org.POST("/jobs/:job_id/reconcile", anyRole, a.ReconcileJob())
	org.POST("/retry-queue", anyRole, a.EnqueueRetry())
	org.GET("/retry-queue", admin, a.ListRetryEntries())
	org.PUT("/settings", admin, a.PutSettings())
	org.POST("/realtime/work-order-updated", admin, a.WorkOrderUpdated())
	for segment, table := range entityRoutes {
		org.PUT("/"+segment+"/:id", admin, a.PutEntity(table))
		org.DELETE("/"+segment+"/:id", admin, a.DeleteEntity(table))
	}

	internal := r.Group("/internal", middlewares.RequireInternalKey(internalKey))
	internal.POST("/retry-queue/process", a.ProcessRetryBatch())
	internal.POST("/retry-queue/cleanup", a.CleanupRetryQueue())

	r.POST("/pubsub/retry-queue", middlewares.RequireInternalKey(internalKey), a.PubSubRetryQueue())
}
