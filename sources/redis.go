package sources

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/redis/go-redis/v9"

	"kvstream"
	"kvstream/core"
	"kvstream/internal/snapshot"
)

// RedisMessage is the wire shape published to a RedisSource's channel: a
// single change, BSON-encoded the way the teacher's RedisCache encodes
// cached values (§ its Get/Set use bson.Marshal/Unmarshal rather than
// encoding/json).
type RedisMessage[V any, K comparable] struct {
	Reason  kvstream.ChangeReason
	Key     K
	Current V
}

// RedisSourceOptions configures RedisSource.
type RedisSourceOptions[V any, K comparable] struct {
	// SnapshotKeys, if non-nil, is called once per Subscribe to enumerate
	// the keys making up the initial Add-only replay batch.
	SnapshotKeys func(ctx context.Context) ([]K, error)
	// SnapshotGet fetches the current value for a key found by
	// SnapshotKeys.
	SnapshotGet func(ctx context.Context, key K) (V, error)
}

// RedisSource adapts a Redis pub/sub channel into a kvstream.Observable,
// grounded on the teacher's cache/redis.go RedisCache (same client
// construction and BSON marshal/unmarshal conventions) generalized from a
// get/set cache into a change-notification source: publishers elsewhere in
// the system call client.Publish with a BSON-encoded RedisMessage, and
// every subscriber here shares one underlying redis.PubSub connection via
// kvstream.RefCount.
type RedisSource[V any, K comparable] struct {
	client   *redis.Client
	channel  string
	options  RedisSourceOptions[V, K]
	refCount *kvstream.RefCount[V, K]
	log      *zap.Logger
}

// NewRedisSource subscribes to channel on client. The pub/sub connection
// is not opened until the first Subscribe call.
func NewRedisSource[V any, K comparable](client *redis.Client, channel string, opts RedisSourceOptions[V, K]) *RedisSource[V, K] {
	log := core.With(zap.String("component", "redis-source"), zap.String("channel", channel))
	s := &RedisSource[V, K]{client: client, channel: channel, options: opts, log: log}
	s.refCount = kvstream.NewRefCount[V, K](s.build)
	return s
}

func (s *RedisSource[V, K]) build(ctx context.Context, pub *kvstream.Publisher[V, K]) (kvstream.Subscription, error) {
	ps := s.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("kvstream/sources: subscribing to redis channel %q: %w", s.channel, err)
	}

	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					pub.Complete()
					return
				}
				var m RedisMessage[V, K]
				if err := bson.Unmarshal([]byte(msg.Payload), &m); err != nil {
					s.log.Warn("could not decode redis message", zap.Error(err))
					continue
				}
				pub.Emit(kvstream.ChangeSet[V, K]{changeFromMessage(m)})
			case <-ctx.Done():
				return
			}
		}
	}()

	return disposerFunc(func() {}), nil
}

// Subscribe builds the initial replay batch (via SnapshotKeys/SnapshotGet,
// if configured) and joins the shared pub/sub connection for observer.
func (s *RedisSource[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	if s.options.SnapshotKeys != nil && s.options.SnapshotGet != nil {
		func() {
			keys, err := s.options.SnapshotKeys(ctx)
			if err != nil {
				s.log.Warn("snapshot key enumeration failed", zap.Error(err))
				return
			}
			var batch kvstream.ChangeSet[V, K]
			for _, k := range keys {
				v, err := s.options.SnapshotGet(ctx, k)
				if err != nil {
					continue
				}
				batch = append(batch, kvstream.NewAddChange[V, K](k, snapshot.Copy(v)))
			}
			if len(batch) > 0 {
				observer.OnNext(batch)
			}
		}()
	}

	return s.refCount.Subscribe(ctx, observer)
}

// PublishChange encodes and publishes a single change to channel, for
// code elsewhere in the system producing the notifications a RedisSource
// consumes.
func PublishChange[V any, K comparable](ctx context.Context, client *redis.Client, channel string, reason kvstream.ChangeReason, key K, current V) error {
	payload, err := bson.Marshal(RedisMessage[V, K]{Reason: reason, Key: key, Current: current})
	if err != nil {
		return fmt.Errorf("kvstream/sources: marshaling redis message: %w", err)
	}
	return client.Publish(ctx, channel, payload).Err()
}

// changeFromMessage builds the Change a RedisMessage describes. A published
// Update carries only the post-image, so Previous and Current are the same
// value, mirroring MongoSource's change-stream decoding (a standard change
// stream likewise offers no pre-image).
func changeFromMessage[V any, K comparable](m RedisMessage[V, K]) kvstream.Change[V, K] {
	switch m.Reason {
	case kvstream.Remove:
		return kvstream.NewRemoveChange[V, K](m.Key, m.Current)
	case kvstream.Refresh:
		return kvstream.NewRefreshChange[V, K](m.Key, m.Current)
	case kvstream.Update:
		return kvstream.NewUpdateChange[V, K](m.Key, m.Current, m.Current)
	default:
		return kvstream.NewAddChange[V, K](m.Key, m.Current)
	}
}
