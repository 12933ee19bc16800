package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec 帧同步数据包编解码
type Codec interface {
	EncodeClient(env *protocol.ClientEnvelope) ([]byte, error)
	DecodeClient(data []byte) (*protocol.ClientEnvelope, error)
	EncodeServer(env *protocol.ServerEnvelope) ([]byte, error)
	DecodeServer(data []byte) (*protocol.ServerEnvelope, error)
}

// 消息ID
const (
	MsgClientData uint16 = 1 // FSPDataC2S
	MsgServerData uint16 = 2 // FSPDataS2C
)

const headerLen = 6

// protobuf 字段号，与客户端 proto 定义保持一致
const (
	fieldVKeyKind          protowire.Number = 1
	fieldVKeyArgs          protowire.Number = 2
	fieldVKeyPlayerID      protowire.Number = 3
	fieldVKeyClientFrameID protowire.Number = 4

	fieldFrameID    protowire.Number = 1
	fieldFrameVKeys protowire.Number = 2

	fieldC2SSid   protowire.Number = 1
	fieldC2SVKeys protowire.Number = 2

	fieldS2CFrames protowire.Number = 1
)

// ProtoCodec protobuf 编解码
// 格式: [4字节长度][2字节消息ID][protobuf数据]
type ProtoCodec struct{}

// NewProtoCodec 创建编解码器
func NewProtoCodec() *ProtoCodec {
	return &ProtoCodec{}
}

// EncodeClient 编码客户端数据包
func (c *ProtoCodec) EncodeClient(env *protocol.ClientEnvelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New(errors.ErrInvalidParam, "nil envelope")
	}
	var body []byte
	body = protowire.AppendTag(body, fieldC2SSid, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(env.SessionID))
	for i := range env.Commands {
		body = protowire.AppendTag(body, fieldC2SVKeys, protowire.BytesType)
		body = protowire.AppendBytes(body, appendCommand(nil, &env.Commands[i]))
	}
	return pack(MsgClientData, body), nil
}

// DecodeClient 解码客户端数据包
func (c *ProtoCodec) DecodeClient(data []byte) (*protocol.ClientEnvelope, error) {
	body, err := unpack(data, MsgClientData)
	if err != nil {
		return nil, err
	}

	env := &protocol.ClientEnvelope{}
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldC2SSid && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if v > math.MaxUint16 {
				return 0, errors.Newf(errors.ErrMessageFormat, "sid 超出范围: %d", v)
			}
			env.SessionID = uint16(v)
			return n, nil
		case num == fieldC2SVKeys && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			cmd, err := decodeCommand(raw)
			if err != nil {
				return 0, err
			}
			env.Commands = append(env.Commands, cmd)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// EncodeServer 编码服务器数据包
func (c *ProtoCodec) EncodeServer(env *protocol.ServerEnvelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New(errors.ErrInvalidParam, "nil envelope")
	}
	var body []byte
	for i := range env.Frames {
		frame := &env.Frames[i]
		var fb []byte
		fb = protowire.AppendTag(fb, fieldFrameID, protowire.VarintType)
		fb = protowire.AppendVarint(fb, uint64(frame.FrameID))
		for j := range frame.Commands {
			fb = protowire.AppendTag(fb, fieldFrameVKeys, protowire.BytesType)
			fb = protowire.AppendBytes(fb, appendCommand(nil, &frame.Commands[j]))
		}
		body = protowire.AppendTag(body, fieldS2CFrames, protowire.BytesType)
		body = protowire.AppendBytes(body, fb)
	}
	return pack(MsgServerData, body), nil
}

// DecodeServer 解码服务器数据包
func (c *ProtoCodec) DecodeServer(data []byte) (*protocol.ServerEnvelope, error) {
	body, err := unpack(data, MsgServerData)
	if err != nil {
		return nil, err
	}

	env := &protocol.ServerEnvelope{}
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldS2CFrames || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		frame, err := decodeFrame(raw)
		if err != nil {
			return 0, err
		}
		env.Frames = append(env.Frames, frame)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func decodeFrame(raw []byte) (protocol.Frame, error) {
	frame := protocol.Frame{}
	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldFrameID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			frame.FrameID = uint32(v)
			return n, nil
		case num == fieldFrameVKeys && typ == protowire.BytesType:
			cb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			cmd, err := decodeCommand(cb)
			if err != nil {
				return 0, err
			}
			frame.Commands = append(frame.Commands, cmd)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return frame, err
}

func appendCommand(b []byte, cmd *protocol.Command) []byte {
	b = protowire.AppendTag(b, fieldVKeyKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(cmd.Kind)))
	if len(cmd.Args) > 0 {
		var packed []byte
		for _, a := range cmd.Args {
			packed = protowire.AppendVarint(packed, uint64(int64(a)))
		}
		b = protowire.AppendTag(b, fieldVKeyArgs, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, fieldVKeyPlayerID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.PlayerID))
	b = protowire.AppendTag(b, fieldVKeyClientFrameID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.ClientFrameID))
	return b
}

func decodeCommand(raw []byte) (protocol.Command, error) {
	cmd := protocol.Command{}
	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldVKeyKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			cmd.Kind = protocol.Kind(int32(v))
			return n, nil
		case num == fieldVKeyArgs && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				cmd.Args = append(cmd.Args, int32(v))
				packed = packed[m:]
			}
			return n, nil
		case num == fieldVKeyArgs && typ == protowire.VarintType:
			// 兼容非 packed 编码
			v, n := protowire.ConsumeVarint(b)
			cmd.Args = append(cmd.Args, int32(v))
			return n, nil
		case num == fieldVKeyPlayerID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			cmd.PlayerID = uint32(v)
			return n, nil
		case num == fieldVKeyClientFrameID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			cmd.ClientFrameID = uint32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return cmd, err
}

// walk 遍历消息字段，visit 返回消费的字节数，负数表示解析错误
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), errors.ErrMessageFormat)
		}
		b = b[n:]

		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return errors.Wrap(protowire.ParseError(m), errors.ErrMessageFormat)
		}
		b = b[m:]
	}
	return nil
}

func pack(msgID uint16, body []byte) []byte {
	buf := make([]byte, 0, headerLen+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(2+len(body)))
	buf = binary.BigEndian.AppendUint16(buf, msgID)
	return append(buf, body...)
}

func unpack(data []byte, want uint16) ([]byte, error) {
	if len(data) < headerLen {
		return nil, errors.Newf(errors.ErrMessageFormat, "data too short: %d bytes", len(data))
	}
	length := binary.BigEndian.Uint32(data[:4])
	if int(length)+4 != len(data) {
		return nil, errors.Newf(errors.ErrMessageFormat, "length mismatch: expected %d, got %d", length+4, len(data))
	}
	if msgID := binary.BigEndian.Uint16(data[4:6]); msgID != want {
		return nil, errors.New(errors.ErrMessageFormat, fmt.Sprintf("unexpected message id %d", msgID))
	}
	return data[headerLen:], nil
}
