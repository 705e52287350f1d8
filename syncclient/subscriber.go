package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/realtime"
)

// Subscriber listens for change notifications over the server's websocket and
// hands deduplicated events to OnEvent. A burst within the dedup window ends
// with one trailing event. It reconnects until its context ends;
// while disconnected the local state just stays stale.
type Subscriber struct {
	URL       string
	Token     string
	CrewToken string
	Logger    *logrus.Logger
	Dedup     *realtime.Deduper
	OnEvent   func(realtime.ChangeEvent)
	// Backoff returns the wait before reconnect attempt n.
	Backoff func(attempt int) time.Duration
}

// WebsocketURL turns the API base URL into the realtime endpoint.
func WebsocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func NewSubscriber(baseURL, token, crewToken string, logger *logrus.Logger, onEvent func(realtime.ChangeEvent)) *Subscriber {
	if logger == nil {
		logger = logrus.New()
	}
	return &Subscriber{
		URL:       WebsocketURL(baseURL),
		Token:     token,
		CrewToken: crewToken,
		Logger:    logger,
		Dedup:     realtime.NewDeduper(realtime.DefaultDedupWindow),
		OnEvent:   onEvent,
		Backoff:   config.RetrySleep,
	}
}

func (s *Subscriber) Run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		wait := s.Backoff(attempt)
		s.Logger.WithFields(logrus.Fields{
			"field":   "Subscriber",
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("realtime connection lost: " + errString(err))
		attempt++
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}

// session runs one connection. connected reports whether the dial succeeded.
func (s *Subscriber) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if s.Token != "" {
		header.Set("token", s.Token)
	}
	if s.CrewToken != "" {
		header.Set("Authorization", "Bearer "+s.CrewToken)
	}
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dctx, s.URL, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return true, nil
			}
			return true, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var e realtime.ChangeEvent
		if err := json.Unmarshal(data, &e); err != nil {
			s.Logger.WithField("field", "Subscriber").Warn("ignoring malformed event: " + err.Error())
			continue
		}
		if s.OnEvent == nil {
			continue
		}
		if s.Dedup == nil {
			s.OnEvent(e)
			continue
		}
		s.Dedup.Handle(e, func(e realtime.ChangeEvent) {
			if ctx.Err() == nil {
				s.OnEvent(e)
			}
		})
	}
}
