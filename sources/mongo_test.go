package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"kvstream"
)

type doc struct {
	Name string
}

func testDecoder() Decoder[doc, primitive.ObjectID] {
	return Decoder[doc, primitive.ObjectID]{
		DecodeValue: func(full bson.M) (doc, error) {
			name, _ := full["name"].(string)
			return doc{Name: name}, nil
		},
		DecodeKey: ObjectIDKey,
	}
}

func TestObjectIDKeyExtractsID(t *testing.T) {
	id := primitive.NewObjectID()
	key, err := ObjectIDKey(bson.M{"_id": id})
	require.NoError(t, err)
	assert.Equal(t, id, key)
}

func TestObjectIDKeyRejectsMissingID(t *testing.T) {
	_, err := ObjectIDKey(bson.M{"_id": "not-an-objectid"})
	assert.Error(t, err)
}

func TestDecodeChangeInsert(t *testing.T) {
	s := &MongoSource[doc, primitive.ObjectID]{decoder: testDecoder(), log: zap.NewNop()}
	id := primitive.NewObjectID()

	raw := bson.M{
		"operationType": "insert",
		"documentKey":   bson.M{"_id": id},
		"fullDocument":  bson.M{"name": "widget"},
	}
	ch, ok := s.decodeChange(raw)
	require.True(t, ok)
	assert.Equal(t, kvstream.Add, ch.Reason)
	assert.Equal(t, "widget", ch.Current.Name)
}

func TestDecodeChangeDelete(t *testing.T) {
	s := &MongoSource[doc, primitive.ObjectID]{decoder: testDecoder(), log: zap.NewNop()}
	id := primitive.NewObjectID()

	raw := bson.M{
		"operationType": "delete",
		"documentKey":   bson.M{"_id": id},
	}
	ch, ok := s.decodeChange(raw)
	require.True(t, ok)
	assert.Equal(t, kvstream.Remove, ch.Reason)
	assert.Equal(t, id, ch.Key)
}

func TestDecodeChangeUpdate(t *testing.T) {
	s := &MongoSource[doc, primitive.ObjectID]{decoder: testDecoder(), log: zap.NewNop()}
	id := primitive.NewObjectID()

	raw := bson.M{
		"operationType": "update",
		"documentKey":   bson.M{"_id": id},
		"fullDocument":  bson.M{"name": "renamed"},
	}
	ch, ok := s.decodeChange(raw)
	require.True(t, ok)
	assert.Equal(t, kvstream.Update, ch.Reason)
	assert.Equal(t, "renamed", ch.Current.Name)
}

func TestDecodeChangeUnknownOperationIgnored(t *testing.T) {
	s := &MongoSource[doc, primitive.ObjectID]{decoder: testDecoder(), log: zap.NewNop()}
	raw := bson.M{
		"operationType": "invalidate",
		"documentKey":   bson.M{"_id": primitive.NewObjectID()},
	}
	_, ok := s.decodeChange(raw)
	assert.False(t, ok)
}

func TestDecodeChangeMissingDocumentKeyIgnored(t *testing.T) {
	s := &MongoSource[doc, primitive.ObjectID]{decoder: testDecoder(), log: zap.NewNop()}
	raw := bson.M{"operationType": "insert", "fullDocument": bson.M{"name": "x"}}
	_, ok := s.decodeChange(raw)
	assert.False(t, ok)
}
