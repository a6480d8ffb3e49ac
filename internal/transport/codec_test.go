package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vr-replication/internal/kv"
	"vr-replication/internal/vr"
)

func TestJSONCodec(t *testing.T) {
	codec := NewJSONCodec[kv.Command, kv.Result]()

	t.Run("keeps the payload type of generic messages", func(t *testing.T) {
		request := *vr.NewRequest(kv.Command{Op: kv.Increment, Key: "key", Value: 10}, "client", 3)
		prepare := vr.NewPrepare(1, request, 4, 2, 1)

		data, err := codec.Encode(prepare)
		require.NoError(t, err)
		decoded, err := codec.Decode(data)
		require.NoError(t, err)

		assert.Equal(t, prepare, decoded)
	})

	t.Run("keeps the difference between a backup and a primary recovery response", func(t *testing.T) {
		backup := vr.NewRecoveryResponse[kv.Command](2, "uid", 1)
		data, err := codec.Encode(backup)
		require.NoError(t, err)
		decoded, err := codec.Decode(data)
		require.NoError(t, err)
		assert.False(t, decoded.(*vr.RecoveryResponse[kv.Command]).FromPrimary())

		primary := vr.NewRecoveryResponse[kv.Command](2, "uid", 2)
		opNumber, commitNumber := -1, -1
		primary.OpNumber, primary.CommitNumber = &opNumber, &commitNumber
		data, err = codec.Encode(primary)
		require.NoError(t, err)
		decoded, err = codec.Decode(data)
		require.NoError(t, err)

		response := decoded.(*vr.RecoveryResponse[kv.Command])
		assert.True(t, response.FromPrimary())
		assert.Empty(t, response.Log)
		assert.Equal(t, -1, *response.OpNumber)
	})

	t.Run("replies carry the result type", func(t *testing.T) {
		value := 7
		reply := vr.NewReply(0, 1, kv.Result{Value: &value})

		data, err := codec.Encode(reply)
		require.NoError(t, err)
		decoded, err := codec.Decode(data)
		require.NoError(t, err)

		require.IsType(t, &vr.Reply[kv.Result]{}, decoded)
		assert.Equal(t, 7, *decoded.(*vr.Reply[kv.Result]).Response.Value)
	})

	t.Run("an ack keeps the id of the acknowledged message", func(t *testing.T) {
		ack := vr.NewAck("acknowledged-id", 2)

		data, err := codec.Encode(ack)
		require.NoError(t, err)
		decoded, err := codec.Decode(data)
		require.NoError(t, err)

		assert.Equal(t, "acknowledged-id", decoded.MessageID())
		assert.Equal(t, vr.AckKind, decoded.Kind())
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"kind": 99, "body": {}}`))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := codec.Decode([]byte("not json"))
		assert.Error(t, err)

		_, err = codec.Decode([]byte(`{"kind": 0, "body": "a string"}`))
		assert.Error(t, err)
	})
}
