package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lxmf_group/internal/model"
	"lxmf_group/internal/protocol/event"
	"lxmf_group/internal/service/redis"
	"lxmf_group/internal/utils/log"
)

const writeTimeout = 5 * time.Second

type (
	// Entry is one journaled delivery failure.
	Entry struct {
		ID        string               `json:"id"`
		Title     string               `json:"title,omitempty"`
		Content   string               `json:"content"`
		Method    model.DeliveryMethod `json:"method"`
		Attempts  int                  `json:"attempts"`
		Timestamp time.Time            `json:"timestamp"`
		FailedAt  time.Time            `json:"failed_at"`
	}

	// Journal records messages that could not be delivered, one redis list
	// per destination.
	Journal struct {
		redisService *redis.RedisService
		limit        int
	}
)

func NewJournal(redisSvc *redis.RedisService, limit int) *Journal {
	return &Journal{
		redisService: redisSvc,
		limit:        limit,
	}
}

func key(addr model.PeerAddress) string {
	return fmt.Sprintf("failed: %s", addr.Hex())
}

// Attach records every DeliveryFailed event.
func (j *Journal) Attach(events *event.Dispatcher) {
	events.Subscribe(event.DeliveryFailed, func(e event.Event) {
		if e.Outbound == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := j.Record(ctx, e.Outbound, e.At); err != nil {
			log.Error("Journal delivery failure failed", zap.String("destination", e.Outbound.Destination.Hex()), zap.Error(err))
		}
	})
}

func (j *Journal) Record(ctx context.Context, msg *model.OutboundMessage, at time.Time) error {
	data, err := json.Marshal(Entry{
		ID:        msg.ID,
		Title:     msg.Title,
		Content:   msg.Content,
		Method:    msg.DesiredMethod,
		Attempts:  msg.AttemptCount,
		Timestamp: msg.Timestamp,
		FailedAt:  at,
	})
	if err != nil {
		return err
	}
	return j.redisService.RPushTrim(ctx, key(msg.Destination), j.limit, data)
}

// Failed lists the journaled failures for addr, oldest first.
func (j *Journal) Failed(ctx context.Context, addr model.PeerAddress) ([]Entry, error) {
	vals, err := j.redisService.LRange(ctx, key(addr))
	if err != nil {
		return nil, err
	}

	res := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (j *Journal) Clear(ctx context.Context, addr model.PeerAddress) error {
	return j.redisService.Del(ctx, key(addr))
}
