package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"kvstream"
)

func TestChangeFromMessageAdd(t *testing.T) {
	ch := changeFromMessage(RedisMessage[string, int]{Reason: kvstream.Add, Key: 1, Current: "a"})
	assert.Equal(t, kvstream.Add, ch.Reason)
	assert.Equal(t, "a", ch.Current)
}

func TestChangeFromMessageRemove(t *testing.T) {
	ch := changeFromMessage(RedisMessage[string, int]{Reason: kvstream.Remove, Key: 1, Current: "a"})
	assert.Equal(t, kvstream.Remove, ch.Reason)
}

func TestChangeFromMessageRefresh(t *testing.T) {
	ch := changeFromMessage(RedisMessage[string, int]{Reason: kvstream.Refresh, Key: 1, Current: "a"})
	assert.Equal(t, kvstream.Refresh, ch.Reason)
}

func TestChangeFromMessageUpdateCarriesSameValueAsPreviousAndCurrent(t *testing.T) {
	ch := changeFromMessage(RedisMessage[string, int]{Reason: kvstream.Update, Key: 1, Current: "b"})
	assert.Equal(t, kvstream.Update, ch.Reason)
	assert.Equal(t, "b", ch.Current)
	require.NotNil(t, ch.Previous)
	assert.Equal(t, "b", *ch.Previous)
}

func TestRedisMessageRoundTripsThroughBSON(t *testing.T) {
	original := RedisMessage[string, int]{Reason: kvstream.Update, Key: 42, Current: "payload"}
	raw, err := bson.Marshal(original)
	require.NoError(t, err)

	var decoded RedisMessage[string, int]
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	assert.Equal(t, original, decoded)
}
