package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/utils"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Handler serves GET /ws. The session middleware must have put the organization
// and role in the request context.
type Handler struct {
	Hub            *Hub
	Logger         *logrus.Logger
	OriginPatterns []string
}

func (h *Handler) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	orgID, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, _ := utils.GetRoleFromContext(ctx)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.WithFields(logrus.Fields{"field": "ServeWS", "organization_id": orgID}).Warn("websocket upgrade failed: " + err.Error())
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := h.Hub.Subscribe(orgID, role, 32)
	defer sub.Close()

	// Client messages are ignored; CloseRead cancels ctx when the peer goes away.
	ctx = conn.CloseRead(context.WithoutCancel(ctx))
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e ChangeEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
