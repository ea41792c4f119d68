package softlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"slotboard/pkg/model"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "softlock:"
	heldKey   = keyPrefix + "held"

	fieldDate   = "date"
	fieldTime   = "time"
	fieldHeldAt = "held_at"

	maxTxAttempts = 5
)

var errNoMatch = errors.New("hold does not match")

// RedisRegistry keeps holds in Redis so several instances share them.
//
//	softlock:conn:<id>          hash {date, time, held_at}
//	softlock:slot:<date>|<time> set of connection ids
//	softlock:held               sorted set of connection ids by held_at (unix ms)
type RedisRegistry struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, now: time.Now}
}

// heldScore is the zset score for a hold taken at t, in unix milliseconds.
func heldScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func connKey(connID string) string {
	return keyPrefix + "conn:" + connID
}

func slotKey(slot model.Slot) string {
	return keyPrefix + "slot:" + slot.Key()
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readHold(ctx context.Context, c hashReader, connID string) (*model.Hold, error) {
	fields, err := c.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hold: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	heldAt, err := time.Parse(time.RFC3339Nano, fields[fieldHeldAt])
	if err != nil {
		return nil, fmt.Errorf("corrupt hold for %s: %w", connID, err)
	}
	return &model.Hold{
		ConnectionID: connID,
		Slot:         model.Slot{Date: fields[fieldDate], Time: fields[fieldTime]},
		HeldAt:       heldAt,
	}, nil
}

// watch runs fn in an optimistic transaction on the connection's hash,
// retrying when another client changed it first.
func (r *RedisRegistry) watch(ctx context.Context, connID string, fn func(tx *redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.client.Watch(ctx, fn, connKey(connID))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *RedisRegistry) Hold(ctx context.Context, connID string, slot model.Slot) (*model.Hold, error) {
	var prev *model.Hold

	err := r.watch(ctx, connID, func(tx *redis.Tx) error {
		current, err := readHold(ctx, tx, connID)
		if err != nil {
			return err
		}
		heldAt := r.now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if current != nil {
				pipe.SRem(ctx, slotKey(current.Slot), connID)
			}
			pipe.HSet(ctx, connKey(connID),
				fieldDate, slot.Date,
				fieldTime, slot.Time,
				fieldHeldAt, heldAt.Format(time.RFC3339Nano),
			)
			pipe.SAdd(ctx, slotKey(slot), connID)
			pipe.ZAdd(ctx, heldKey, redis.Z{Score: heldScore(heldAt), Member: connID})
			return nil
		})
		prev = current
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hold slot: %w", err)
	}
	return prev, nil
}

// releaseIf removes the hold of connID when match accepts it.
func (r *RedisRegistry) releaseIf(ctx context.Context, connID string, match func(model.Hold) bool) (*model.Hold, error) {
	var released *model.Hold

	err := r.watch(ctx, connID, func(tx *redis.Tx) error {
		current, err := readHold(ctx, tx, connID)
		if err != nil {
			return err
		}
		if current == nil || !match(*current) {
			return errNoMatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, connKey(connID))
			pipe.SRem(ctx, slotKey(current.Slot), connID)
			pipe.ZRem(ctx, heldKey, connID)
			return nil
		})
		released = current
		return err
	})
	if errors.Is(err, errNoMatch) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release hold: %w", err)
	}
	return released, nil
}

func (r *RedisRegistry) Release(ctx context.Context, connID string) (*model.Hold, error) {
	return r.releaseIf(ctx, connID, func(model.Hold) bool { return true })
}

func (r *RedisRegistry) ActiveHold(ctx context.Context, connID string) (*model.Hold, error) {
	return readHold(ctx, r.client, connID)
}

func (r *RedisRegistry) ReleaseSlot(ctx context.Context, slot model.Slot) ([]string, error) {
	members, err := r.client.SMembers(ctx, slotKey(slot)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}

	released := make([]string, 0, len(members))
	for _, connID := range members {
		hold, err := r.releaseIf(ctx, connID, func(h model.Hold) bool { return h.Slot == slot })
		if err != nil {
			return released, err
		}
		if hold != nil {
			released = append(released, connID)
		}
	}
	return released, nil
}

func (r *RedisRegistry) ReleaseExpired(ctx context.Context, cutoff time.Time) ([]model.Hold, error) {
	// The score range is inclusive at millisecond precision; the exact
	// held_at check happens per hold inside releaseIf.
	members, err := r.client.ZRangeByScore(ctx, heldKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}

	var expired []model.Hold
	for _, connID := range members {
		hold, err := r.releaseIf(ctx, connID, func(h model.Hold) bool { return h.HeldAt.Before(cutoff) })
		if err != nil {
			return expired, err
		}
		if hold != nil {
			expired = append(expired, *hold)
		}
	}
	return expired, nil
}
