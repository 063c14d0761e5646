package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// 每条编码结果以 1 字节帧头开始，便于切换 Compress 配置后仍能读取旧条目。
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// Codec 负责 StoredResponse 与字节之间的转换。
type Codec interface {
	Name() string
	Encode(*StoredResponse) ([]byte, error)
	Decode([]byte) (*StoredResponse, error)
}

type marshalFuncs struct {
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

type snapshotCodec struct {
	name      string
	funcs     marshalFuncs
	compress  bool
	maxDecode int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec 根据名称（msgpack/cbor/json）构造编解码器。
// compress 为 true 时写入 zstd 帧；maxDecode > 0 时拒绝解码后超过该大小的条目。
func NewCodec(name string, compress bool, maxDecode int) (Codec, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		normalized = "msgpack"
	}

	var funcs marshalFuncs
	switch normalized {
	case "msgpack":
		funcs = marshalFuncs{marshal: msgpack.Marshal, unmarshal: msgpack.Unmarshal}
	case "cbor":
		opts := cbor.PreferredUnsortedEncOptions()
		opts.Time = cbor.TimeRFC3339Nano
		em, err := opts.EncMode()
		if err != nil {
			return nil, fmt.Errorf("cbor enc mode: %w", err)
		}
		dm, err := (cbor.DecOptions{}).DecMode()
		if err != nil {
			return nil, fmt.Errorf("cbor dec mode: %w", err)
		}
		funcs = marshalFuncs{marshal: em.Marshal, unmarshal: dm.Unmarshal}
	case "json":
		funcs = marshalFuncs{marshal: json.Marshal, unmarshal: json.Unmarshal}
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}

	codec := &snapshotCodec{
		name:      normalized,
		funcs:     funcs,
		compress:  compress,
		maxDecode: maxDecode,
	}

	decoderOpts := []zstd.DOption{zstd.WithDecoderConcurrency(0)}
	if maxDecode > 0 {
		decoderOpts = append(decoderOpts, zstd.WithDecoderMaxMemory(uint64(maxDecode)))
	}
	decoder, err := zstd.NewReader(nil, decoderOpts...)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	codec.decoder = decoder

	if compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		codec.encoder = encoder
	}
	return codec, nil
}

func (c *snapshotCodec) Name() string {
	if c.compress {
		return c.name + "+zstd"
	}
	return c.name
}

func (c *snapshotCodec) Encode(snap *StoredResponse) ([]byte, error) {
	if snap == nil {
		return nil, errors.New("nil snapshot")
	}
	payload, err := c.funcs.marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", c.name, err)
	}
	if !c.compress {
		return append([]byte{frameRaw}, payload...), nil
	}
	framed := make([]byte, 1, len(payload)/2+1)
	framed[0] = frameZstd
	return c.encoder.EncodeAll(payload, framed), nil
}

func (c *snapshotCodec) Decode(data []byte) (*StoredResponse, error) {
	if len(data) == 0 {
		return nil, errors.New("empty entry")
	}

	var payload []byte
	switch data[0] {
	case frameRaw:
		payload = data[1:]
	case frameZstd:
		decoded, err := c.decoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		payload = decoded
	default:
		return nil, fmt.Errorf("unknown entry frame 0x%02x", data[0])
	}
	if c.maxDecode > 0 && len(payload) > c.maxDecode {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), c.maxDecode)
	}

	var snap StoredResponse
	if err := c.funcs.unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("%s decode: %w", c.name, err)
	}
	return &snap, nil
}
