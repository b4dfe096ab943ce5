package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storefront/internal/events"

	"github.com/redis/go-redis/v9"
)

const (
	fieldEnvelope  = "envelope"
	fieldEventType = "event_type"
)

// RedisStreamClient is the minimal go-redis surface used by RedisBus.
// *redis.Client satisfies it.
type RedisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// RedisBus implements Client on Redis Streams.
type RedisBus struct {
	client RedisStreamClient
	maxLen int64
}

// NewRedisBus constructs a Redis Streams bus. maxLen > 0 caps each stream
// approximately on append.
func NewRedisBus(client RedisStreamClient, maxLen int64) *RedisBus {
	return &RedisBus{client: client, maxLen: maxLen}
}

// Publish appends the envelope and returns the bus-assigned message id.
func (b *RedisBus) Publish(ctx context.Context, stream string, env events.Envelope) (string, error) {
	if stream == "" {
		stream = env.Stream
	}
	env.Stream = stream
	payload, err := events.Encode(env)
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			fieldEnvelope:  string(payload),
			fieldEventType: env.EventType,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", &PublishError{Stream: stream, Err: err}
	}
	return id, nil
}

// EnsureGroup creates the group at the start of the stream, creating the
// stream if needed. An existing group is not an error.
func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup claims up to Count new messages per stream, blocking up to Block.
// A timeout yields an empty result.
func (b *RedisBus) ReadGroup(ctx context.Context, args ReadArgs) ([]Message, error) {
	if len(args.Streams) == 0 {
		return nil, errors.New("no streams to read")
	}
	streams := make([]string, 0, len(args.Streams)*2)
	streams = append(streams, args.Streams...)
	for range args.Streams {
		streams = append(streams, ">")
	}

	block := args.Block
	if block <= 0 {
		// go-redis treats 0 as "block forever".
		block = -1
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  streams,
		Count:    args.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toMessage(s.Stream, m))
		}
	}
	return out, nil
}

// Ack acknowledges messages for the group.
func (b *RedisBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XAck(ctx, stream, group, ids...).Err()
}

// ClaimIdle transfers pending messages idle for at least MinIdle to Consumer.
func (b *RedisBus) ClaimIdle(ctx context.Context, args ClaimArgs) ([]Message, error) {
	count := args.Count
	if count <= 0 {
		count = 10
	}
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   args.Stream,
		Group:    args.Group,
		Consumer: args.Consumer,
		MinIdle:  args.MinIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(args.Stream, m))
	}
	return out, nil
}

func toMessage(stream string, m redis.XMessage) Message {
	msg := Message{ID: m.ID, Stream: stream, Raw: m.Values}
	raw, ok := m.Values[fieldEnvelope].(string)
	if !ok {
		msg.Err = fmt.Errorf("%w: missing %q field", events.ErrMalformed, fieldEnvelope)
		return msg
	}
	env, err := events.Decode([]byte(raw))
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Envelope = env
	return msg
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}
