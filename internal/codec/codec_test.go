package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestClientEnvelope(t *testing.T) {
	c := NewProtoCodec()
	env := &protocol.ClientEnvelope{
		SessionID: 513,
		Commands: []protocol.Command{
			{Kind: protocol.KindAuth, Args: []int32{-42}, ClientFrameID: 9},
			{Kind: protocol.KindBusinessBase + 3, Args: []int32{1, 2, 3}},
		},
	}

	data, err := c.EncodeClient(env)
	require.NoError(t, err)

	got, err := c.DecodeClient(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(513), got.SessionID)
	require.Len(t, got.Commands, 2)
	assert.Equal(t, protocol.KindAuth, got.Commands[0].Kind)
	assert.Equal(t, []int32{-42}, got.Commands[0].Args)
	assert.Equal(t, uint32(9), got.Commands[0].ClientFrameID)
	assert.Equal(t, []int32{1, 2, 3}, got.Commands[1].Args)
}

func TestServerEnvelopePreservesOrder(t *testing.T) {
	c := NewProtoCodec()
	env := &protocol.ServerEnvelope{Frames: []protocol.Frame{
		{FrameID: 1, Commands: []protocol.Command{
			protocol.NewServerCommand(protocol.KindRoundBegin, 1),
			{Kind: protocol.KindBusinessBase, PlayerID: 2},
		}},
		{FrameID: 2},
	}}

	data, err := c.EncodeServer(env)
	require.NoError(t, err)
	got, err := c.DecodeServer(data)
	require.NoError(t, err)

	require.Len(t, got.Frames, 2)
	assert.Equal(t, uint32(1), got.Frames[0].FrameID)
	assert.Equal(t, protocol.KindRoundBegin, got.Frames[0].Commands[0].Kind)
	assert.Equal(t, uint32(0), got.Frames[0].Commands[0].PlayerID)
	assert.Equal(t, uint32(2), got.Frames[0].Commands[1].PlayerID)
	assert.Empty(t, got.Frames[1].Commands)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c := NewProtoCodec()

	_, err := c.DecodeClient([]byte{0, 0})
	assert.True(t, errors.Is(err, errors.ErrMessageFormat))

	// 方向错误：服务器包当作客户端包解码
	data, err := c.EncodeServer(&protocol.ServerEnvelope{})
	require.NoError(t, err)
	_, err = c.DecodeClient(data)
	assert.True(t, errors.Is(err, errors.ErrMessageFormat))

	// 截断的 protobuf 数据
	good, err := c.EncodeClient(&protocol.ClientEnvelope{SessionID: 1, Commands: []protocol.Command{{Kind: protocol.KindAuth, Args: []int32{5}}}})
	require.NoError(t, err)
	bad := pack(MsgClientData, good[headerLen:len(good)-1])
	_, err = c.DecodeClient(bad)
	assert.True(t, errors.Is(err, errors.ErrMessageFormat))
}

func TestDecodeRejectsSessionIDOverflow(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, fieldC2SSid, protowire.VarintType)
	body = protowire.AppendVarint(body, 70000)

	_, err := NewProtoCodec().DecodeClient(pack(MsgClientData, body))
	assert.True(t, errors.Is(err, errors.ErrMessageFormat))
}

func TestDecodeSkipsUnknownFieldsAndUnpackedArgs(t *testing.T) {
	var vkey []byte
	vkey = protowire.AppendTag(vkey, fieldVKeyKind, protowire.VarintType)
	vkey = protowire.AppendVarint(vkey, uint64(protocol.KindGameExit))
	vkey = protowire.AppendTag(vkey, fieldVKeyArgs, protowire.VarintType)
	vkey = protowire.AppendVarint(vkey, 7)
	vkey = protowire.AppendTag(vkey, 15, protowire.BytesType)
	vkey = protowire.AppendBytes(vkey, []byte("future"))

	var body []byte
	body = protowire.AppendTag(body, fieldC2SSid, protowire.VarintType)
	body = protowire.AppendVarint(body, 3)
	body = protowire.AppendTag(body, fieldC2SVKeys, protowire.BytesType)
	body = protowire.AppendBytes(body, vkey)

	env, err := NewProtoCodec().DecodeClient(pack(MsgClientData, body))
	require.NoError(t, err)
	require.Len(t, env.Commands, 1)
	assert.Equal(t, protocol.KindGameExit, env.Commands[0].Kind)
	assert.Equal(t, []int32{7}, env.Commands[0].Args)
}
