// Package sources adapts external notification channels — a MongoDB
// change stream, a Redis pub/sub channel — into the engine's own
// Observable[V,K] change-stream contract. Each source here is an
// "observable cache" in the sense of kvstream's external-interfaces
// contract: a new subscriber first receives an Add-only replay of the
// source's current contents, then live changes as they arrive, and the
// underlying database connection is shared across subscribers via
// kvstream.RefCount rather than reopened per subscriber.
package sources

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"kvstream"
	"kvstream/core"
	"kvstream/internal/snapshot"
)

// Decoder turns a raw change-stream document into a value and a key. the
// document passed to DecodeValue is the event's fullDocument; the document
// passed to DecodeKey is its documentKey (almost always just _id). During
// a subscriber's initial replay scan, both receive the whole stored
// document.
type Decoder[V any, K comparable] struct {
	DecodeValue func(fullDocument bson.M) (V, error)
	DecodeKey   func(documentKey bson.M) (K, error)
}

// MongoSourceOptions configures MongoSource. The zero value (via
// DefaultMongoSourceOptions) watches every insert/update/replace/delete on
// the collection with FullDocument set to UpdateLookup, matching the
// teacher's default change-stream configuration, and scopes the initial
// replay to the whole collection.
type MongoSourceOptions struct {
	Pipeline      mongo.Pipeline
	StreamOpts    *options.ChangeStreamOptions
	InitialFilter bson.M
}

// DefaultMongoSourceOptions returns the default watch configuration.
func DefaultMongoSourceOptions() MongoSourceOptions {
	return MongoSourceOptions{
		Pipeline: mongo.Pipeline{
			bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}}}}},
		},
		StreamOpts:    options.ChangeStream().SetFullDocument(options.UpdateLookup),
		InitialFilter: bson.M{},
	}
}

// MongoSource adapts a MongoDB collection's change stream into a
// kvstream.Observable, grounded on the teacher's StorageImpl.Watch/
// startWatching/broadcastEvent pattern: one long-lived goroutine reads the
// change stream and fans it out, here via a kvstream.Publisher wrapped in
// a kvstream.RefCount instead of a bespoke subscriber map.
type MongoSource[V any, K comparable] struct {
	collection *mongo.Collection
	decoder    Decoder[V, K]
	options    MongoSourceOptions
	refCount   *kvstream.RefCount[V, K]
	log        *zap.Logger
}

// NewMongoSource builds a MongoSource over collection. The change stream
// is not opened until the first Subscribe call; the last subscriber's
// Dispose tears it down, per kvstream.RefCount's build/release discipline.
func NewMongoSource[V any, K comparable](collection *mongo.Collection, decoder Decoder[V, K], opts MongoSourceOptions) *MongoSource[V, K] {
	log := core.With(zap.String("component", "mongo-source"), zap.String("collection", collection.Name()))
	s := &MongoSource[V, K]{collection: collection, decoder: decoder, options: opts, log: log}
	s.refCount = kvstream.NewRefCount[V, K](s.build)
	return s
}

func (s *MongoSource[V, K]) build(ctx context.Context, pub *kvstream.Publisher[V, K]) (kvstream.Subscription, error) {
	streamOpts := s.options.StreamOpts
	if streamOpts == nil {
		streamOpts = options.ChangeStream().SetFullDocument(options.UpdateLookup)
	}
	pipeline := s.options.Pipeline
	if len(pipeline) == 0 {
		pipeline = DefaultMongoSourceOptions().Pipeline
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.collection.Watch(ctx, pipeline, streamOpts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kvstream/sources: opening mongo change stream: %w", err)
	}

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var raw bson.M
			if err := stream.Decode(&raw); err != nil {
				s.log.Warn("error decoding change stream event", zap.Error(err))
				continue
			}
			change, ok := s.decodeChange(raw)
			if !ok {
				continue
			}
			pub.Emit(kvstream.ChangeSet[V, K]{change})
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("change stream terminated with error", zap.Error(err))
			pub.Error(fmt.Errorf("kvstream/sources: mongo change stream: %w", err))
		} else {
			pub.Complete()
		}
	}()

	return disposerFunc(cancel), nil
}

// Subscribe scans collection for its current documents, forwards them to
// observer as an Add-only batch (the replay semantics every kvstream
// "observable cache" promises), then joins the shared live change-stream
// connection.
func (s *MongoSource[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	func() {
		filter := s.options.InitialFilter
		if filter == nil {
			filter = bson.M{}
		}
		cur, err := s.collection.Find(ctx, filter)
		if err != nil {
			s.log.Warn("initial replay scan failed", zap.Error(err))
			return
		}
		defer cur.Close(ctx)

		var batch kvstream.ChangeSet[V, K]
		for cur.Next(ctx) {
			var doc bson.M
			if err := cur.Decode(&doc); err != nil {
				continue
			}
			v, err := s.decoder.DecodeValue(doc)
			if err != nil {
				continue
			}
			k, err := s.decoder.DecodeKey(doc)
			if err != nil {
				continue
			}
			batch = append(batch, kvstream.NewAddChange[V, K](k, snapshot.Copy(v)))
		}
		if len(batch) > 0 {
			observer.OnNext(batch)
		}
	}()

	return s.refCount.Subscribe(ctx, observer)
}

func (s *MongoSource[V, K]) decodeChange(raw bson.M) (kvstream.Change[V, K], bool) {
	operationType, _ := raw["operationType"].(string)

	docKey, _ := raw["documentKey"].(bson.M)
	if docKey == nil {
		return kvstream.Change[V, K]{}, false
	}
	key, err := s.decoder.DecodeKey(docKey)
	if err != nil {
		s.log.Warn("could not decode document key", zap.Error(err))
		return kvstream.Change[V, K]{}, false
	}

	switch operationType {
	case "delete":
		var zero V
		return kvstream.NewRemoveChange[V, K](key, zero), true
	case "insert":
		fullDoc, _ := raw["fullDocument"].(bson.M)
		v, err := s.decoder.DecodeValue(fullDoc)
		if err != nil {
			s.log.Warn("could not decode inserted document", zap.Error(err))
			return kvstream.Change[V, K]{}, false
		}
		return kvstream.NewAddChange[V, K](key, v), true
	case "update", "replace":
		fullDoc, _ := raw["fullDocument"].(bson.M)
		v, err := s.decoder.DecodeValue(fullDoc)
		if err != nil {
			s.log.Warn("could not decode updated document", zap.Error(err))
			return kvstream.Change[V, K]{}, false
		}
		return kvstream.NewUpdateChange[V, K](key, v, v), true
	default:
		return kvstream.Change[V, K]{}, false
	}
}

// ObjectIDKey is the common Decoder.DecodeKey implementation for
// collections keyed by MongoDB's default _id.
func ObjectIDKey(documentKey bson.M) (primitive.ObjectID, error) {
	id, ok := documentKey["_id"].(primitive.ObjectID)
	if !ok {
		return primitive.ObjectID{}, errors.New("kvstream/sources: documentKey._id is not an ObjectID")
	}
	return id, nil
}

type disposerFunc func()

func (d disposerFunc) Dispose() { d() }
