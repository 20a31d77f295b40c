// Package eventbus is the concrete Redis-backed implementation of the
// Application-Side Integration Hooks' collaborator surface (spec
// §4.8): it publishes OTA transaction telemetry to a Redis hash and
// pub/sub channel and exposes a completed custom-data payload through
// a Redis list, generalizing the teacher's vehicle-telemetry client
// (pkg/redis.Client) from vehicle state to OTA transaction state.
package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mortrack/etxota/pkg/etxota"
	"github.com/mortrack/etxota/pkg/frame"
)

// Key names for the OTA transaction surface this package owns.
const (
	// KeyTransaction is the hash holding the current transaction's
	// observable fields, and the channel its field updates publish to.
	KeyTransaction = "ota:transaction"
	// KeyCustomData is the list a completed CustomData payload is
	// pushed onto; an application collaborator BRPops it.
	KeyCustomData = "ota:custom-data"
)

// Hash field names within KeyTransaction.
const (
	FieldState        = "state"
	FieldStatus       = "status"
	FieldPayloadType  = "payload_type"
	FieldReceivedSize = "received_size"
	FieldPackageSize  = "package_size"
)

// Bus wraps a go-redis client with the narrow publish surface the OTA
// integration hooks need.
type Bus struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr (mirrors pkg/redis.New's options shape).
func New(addr, password string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: failed to connect to Redis: %w", err)
	}
	return &Bus{client: client, ctx: ctx}, nil
}

// Close closes the underlying Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// writeAndPublish writes a hash field and publishes its change on the
// same key, same shape as the teacher's WriteAndPublishString/Int.
func (b *Bus) writeAndPublish(field, value string) error {
	pipe := b.client.Pipeline()
	pipe.HSet(b.ctx, KeyTransaction, field, value)
	pipe.Publish(b.ctx, KeyTransaction, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(b.ctx)
	return err
}

// PublishState records which receiver state the device is in.
func (b *Bus) PublishState(state string) error {
	return b.writeAndPublish(FieldState, state)
}

// PublishStatus records a transaction's terminal status (spec §4.8's
// post-transaction hook).
func (b *Bus) PublishStatus(status etxota.Status) error {
	return b.writeAndPublish(FieldStatus, status.String())
}

// PublishPayloadType records the payload type of the transaction
// currently underway.
func (b *Bus) PublishPayloadType(pt frame.PayloadType) error {
	return b.writeAndPublish(FieldPayloadType, pt.String())
}

// PublishProgress records bytes received so far against the declared
// package size. The callbacks returned by Hooks do not call it.
func (b *Bus) PublishProgress(received, packageSize uint32) error {
	if err := b.writeAndPublish(FieldReceivedSize, strconv.FormatUint(uint64(received), 10)); err != nil {
		return err
	}
	return b.writeAndPublish(FieldPackageSize, strconv.FormatUint(uint64(packageSize), 10))
}

// PushCustomData makes a completed custom-data payload available to an
// application collaborator (spec §4.8: "Ok with custom-data payload
// makes the received bytes available to the application").
func (b *Bus) PushCustomData(data []byte) error {
	return b.client.LPush(b.ctx, KeyCustomData, data).Err()
}

// PopCustomData blocks up to timeout for a custom-data payload pushed
// by PushCustomData. ok is false on timeout, not an error.
func (b *Bus) PopCustomData(timeout time.Duration) (data []byte, ok bool, err error) {
	result, err := b.client.BRPop(b.ctx, timeout, KeyCustomData).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("eventbus: BRPop %s: %w", KeyCustomData, err)
	}
	if len(result) != 2 {
		return nil, false, fmt.Errorf("eventbus: unexpected BRPop result %v", result)
	}
	return []byte(result[1]), true, nil
}

// Subscribe returns a channel of raw pub/sub messages on KeyTransaction
// and an unsubscribe function, mirroring pkg/redis.Client.Subscribe.
func (b *Bus) Subscribe() (<-chan *redis.Message, func()) {
	pubsub := b.client.Subscribe(b.ctx, KeyTransaction)
	ch := pubsub.Channel()
	return ch, func() { pubsub.Close() }
}

// Hooks adapts a Bus into receiver.Hooks-shaped callbacks an
// application can pass straight to receiver.New.
func (b *Bus) Hooks(logger func(format string, args ...any)) (pre func(), post func(status etxota.Status, customData []byte)) {
	pre = func() {
		if err := b.PublishState("receiving"); err != nil && logger != nil {
			logger("eventbus: publish state: %v", err)
		}
	}
	post = func(status etxota.Status, customData []byte) {
		if err := b.PublishStatus(status); err != nil && logger != nil {
			logger("eventbus: publish status: %v", err)
		}
		if status == etxota.Ok && customData != nil {
			if err := b.PushCustomData(customData); err != nil && logger != nil {
				logger("eventbus: push custom data: %v", err)
			}
		}
	}
	return pre, post
}
