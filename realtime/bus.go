package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/metrics"
)

const channelPrefix = "realtime:org:"

func ChannelFor(orgID string) string {
	return channelPrefix + orgID
}

// Bus carries events between server instances through redis pub/sub. Every
// instance psubscribes to all organizations and feeds its local Hub. Without
// redis the Bus publishes straight to the Hub.
type Bus struct {
	Hub    *Hub
	Redis  *redis.Client
	Logger *logrus.Logger

	publishTimeout time.Duration
}

func NewBus(hub *Hub, rdb *redis.Client, logger *logrus.Logger) *Bus {
	return &Bus{Hub: hub, Redis: rdb, Logger: logger, publishTimeout: 2 * time.Second}
}

// Publish never fails: a redis error falls back to local delivery.
func (b *Bus) Publish(ctx context.Context, e ChangeEvent) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if b.Redis == nil {
		metrics.RealtimeEventsCounter.WithLabelValues(string(e.Kind), "local").Inc()
		b.Hub.Publish(e)
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		config.LogError(b.Logger, "realtime", "Bus.Publish", "marshal", e, err)
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
	defer cancel()
	if err := b.Redis.Publish(pctx, ChannelFor(e.OrganizationId), data).Err(); err != nil {
		if b.Logger != nil {
			b.Logger.WithFields(logrus.Fields{
				"field":           "Bus.Publish",
				"organization_id": e.OrganizationId,
				"table":           e.Table,
			}).Warn("redis publish failed; delivering locally: " + err.Error())
		}
		metrics.RealtimeEventsCounter.WithLabelValues(string(e.Kind), "local").Inc()
		b.Hub.Publish(e)
		return
	}
	metrics.RealtimeEventsCounter.WithLabelValues(string(e.Kind), "redis").Inc()
}

// NotifyChange publishes a change event after a committed write.
func (b *Bus) NotifyChange(ctx context.Context, orgID, table, operation string) {
	b.Publish(ctx, ChangeEvent{OrganizationId: orgID, Kind: KindChange, Table: table, Operation: operation})
}

// Broadcast publishes a named broadcast such as TopicWorkOrderUpdated.
func (b *Bus) Broadcast(ctx context.Context, orgID, topic string) {
	b.Publish(ctx, ChangeEvent{OrganizationId: orgID, Kind: KindBroadcast, Table: topic})
}

// Run relays redis messages into the Hub until ctx ends.
func (b *Bus) Run(ctx context.Context) {
	if b.Redis == nil {
		return
	}
	ps := b.Redis.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e, err := decodeEvent(msg.Channel, msg.Payload)
			if err != nil {
				if b.Logger != nil {
					b.Logger.WithFields(logrus.Fields{"field": "Bus.Run", "channel": msg.Channel}).Warn("dropping malformed realtime message: " + err.Error())
				}
				continue
			}
			b.Hub.Publish(e)
		}
	}
}

func decodeEvent(channel, payload string) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return e, err
	}
	if e.OrganizationId == "" {
		e.OrganizationId = strings.TrimPrefix(channel, channelPrefix)
	}
	return e, nil
}
