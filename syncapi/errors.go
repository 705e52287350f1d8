package syncapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
)

// StatusFor maps a store or workflow error to its HTTP status.
func StatusFor(err error) int {
	var ve *utils.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve),
		errors.Is(err, workflow.ErrInvalidPayload),
		errors.Is(err, workflow.ErrUnknownTable),
		errors.Is(err, workflow.ErrUnsupportedOperation):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrorUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, utils.ErrorForbidden):
		return http.StatusForbidden
	case utils.IsNotFound(err):
		return http.StatusNotFound
	case utils.IsTransientStoreErr(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) respondError(c *gin.Context, funcName string, err error) {
	status := StatusFor(err)
	body := gin.H{"error": err.Error()}
	var ve *utils.ValidationError
	if errors.As(err, &ve) {
		body["fields"] = ve.Fields
	}
	if status >= http.StatusInternalServerError {
		orgID, _ := utils.GetOrganizationIdFromContext(c.Request.Context())
		config.LogError(a.Logger, "syncapi", funcName, c.FullPath(), orgID, err)
		if status == http.StatusInternalServerError {
			body["error"] = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, body)
}
