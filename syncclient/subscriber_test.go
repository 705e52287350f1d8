package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/realtime"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
)

// TestBurstOfEventsEndsWithFreshState sends two customer changes 100ms apart.
// The second falls inside the dedup window; the coordinator must still end up
// with the state the second change produced.
func TestBurstOfEventsEndsWithFreshState(t *testing.T) {
	remote := &fakeRemote{snapshot: baseSnapshot()}
	c := newTestCoordinator(t, remote, nil, utils.RoleAdmin)
	startAndWait(t, c)

	events := make(chan realtime.ChangeEvent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for e := range events {
			b, _ := json.Marshal(e)
			if err := conn.Write(r.Context(), websocket.MessageText, b); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	defer close(events)

	sub := NewSubscriber(srv.URL, "admin-token", "", quietLogger(), c.HandleEvent)
	sub.Dedup = realtime.NewDeduper(400 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	change := realtime.ChangeEvent{OrganizationId: "org-1", Kind: realtime.KindChange, Table: workflow.TableCustomers}
	events <- change
	eventually(t, "first fetch", func() bool {
		st, _ := c.State()
		return len(st.Customers) == 1
	})

	remote.mu.Lock()
	remote.snapshot.Customers = append(remote.snapshot.Customers, models.Customer{ID: "cust-2", OrganizationId: "org-1", Name: "Bob"})
	remote.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	events <- change

	eventually(t, "trailing fetch", func() bool {
		st, _ := c.State()
		return len(st.Customers) == 2
	})
}
