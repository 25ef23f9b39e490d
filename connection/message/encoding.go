package message

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"relaywire.io/realtime/errorinfo"
)

const (
	EncodingBase64 = "base64"
	EncodingUTF8   = "utf-8"
	EncodingJSON   = "json"
	EncodingZstd   = "zstd"
	EncodingVcdiff = "vcdiff"
)

// DeltaDecoder applies a vcdiff delta to the previous payload on a channel
type DeltaDecoder interface {
	Decode(delta []byte, base []byte) ([]byte, error)
}

// DecodingContext carries the per-channel state needed to decode deltas
type DecodingContext struct {
	Delta DeltaDecoder

	// Payload of the last message successfully decoded on the channel, in the
	// form a following delta is computed against
	LastPayload []byte
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		if zstdEncoder, zstdErr = zstd.NewWriter(nil); zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// EncodeData prepares a user payload for the wire. Binary formats carry bytes
// natively; text formats need them base64 encoded. Payloads over
// compressThreshold bytes are zstd compressed when the threshold is positive.
func EncodeData(data interface{}, encoding string, binaryFormat bool, compressThreshold int) (interface{}, string, error) {
	var steps []string
	if encoding != "" {
		steps = strings.Split(encoding, "/")
	}

	switch d := data.(type) {
	case nil:
		return nil, encoding, nil
	case string, []byte:
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, "", errorinfo.New(errorinfo.CodeBadRequest, 400, "unable to json encode message data: %s", err)
		}
		data = string(b)
		steps = append(steps, EncodingJSON)
	}

	if compressThreshold > 0 && dataSize(data) > compressThreshold {
		if s, ok := data.(string); ok {
			data = []byte(s)
			steps = append(steps, EncodingUTF8)
		}

		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, "", errorinfo.Wrap(err, errorinfo.CodeInternal, 500)
		}
		data = enc.EncodeAll(data.([]byte), nil)
		steps = append(steps, EncodingZstd)
	}

	if b, ok := data.([]byte); ok && !binaryFormat {
		data = base64.StdEncoding.EncodeToString(b)
		steps = append(steps, EncodingBase64)
	}

	return data, strings.Join(steps, "/"), nil
}

// DecodeData reverses the encoding chain from right to left. Steps it does not
// understand are left in the returned encoding. The returned error, if any, is
// an ErrorInfo whose code tells delta failures apart from other problems.
func DecodeData(data interface{}, encoding string, ctx *DecodingContext) (interface{}, string, error) {
	if encoding == "" {
		if ctx != nil {
			ctx.LastPayload = toBytes(data)
		}
		return data, "", nil
	}

	steps := strings.Split(encoding, "/")
	base := data
	last := len(steps) - 1

	i := last
	for ; i >= 0; i-- {
		step := steps[i]
		var err error

		switch step {
		case EncodingBase64:
			switch d := data.(type) {
			case string:
				data, err = base64.StdEncoding.DecodeString(d)
			case []byte:
				data, err = base64.StdEncoding.DecodeString(string(d))
			}
			if err == nil && i == last {
				base = data
			}

		case EncodingUTF8:
			if b, ok := data.([]byte); ok {
				data = string(b)
			}

		case EncodingJSON:
			var v interface{}
			if err = json.Unmarshal(toBytes(data), &v); err == nil {
				data = v
			}

		case EncodingZstd:
			var dec *zstd.Decoder
			if _, dec, err = zstdCodecs(); err == nil {
				data, err = dec.DecodeAll(toBytes(data), nil)
			}

		case EncodingVcdiff:
			if ctx == nil || ctx.Delta == nil {
				return data, strings.Join(steps[:i+1], "/"),
					errorinfo.New(errorinfo.CodeNotConfigured, 400, "missing vcdiff decoder; a delta decoder must be configured to receive delta messages")
			}

			decoded, deltaErr := ctx.Delta.Decode(toBytes(data), ctx.LastPayload)
			if deltaErr != nil {
				return data, strings.Join(steps[:i+1], "/"),
					errorinfo.New(errorinfo.CodeDeltaDecodeFailed, 400, "vcdiff delta decode failed: %s", deltaErr)
			}
			data = decoded
			base = decoded

		default:
			return data, strings.Join(steps[:i+1], "/"),
				errorinfo.New(errorinfo.CodeBadRequest, 400, "unknown encoding step %q", step)
		}

		if err != nil {
			return data, strings.Join(steps[:i+1], "/"),
				errorinfo.New(errorinfo.CodeBadRequest, 400, "error processing the %s encoding: %s", step, err)
		}
	}

	if ctx != nil {
		ctx.LastPayload = toBytes(base)
	}
	return data, "", nil
}

func toBytes(data interface{}) []byte {
	switch d := data.(type) {
	case []byte:
		return d
	case string:
		return []byte(d)
	case nil:
		return nil
	default:
		b, _ := json.Marshal(d)
		return b
	}
}

func (m *Message) Encode(binaryFormat bool, compressThreshold int) error {
	data, encoding, err := EncodeData(m.Data, m.Encoding, binaryFormat, compressThreshold)
	if err != nil {
		return err
	}
	m.Data, m.Encoding = data, encoding
	return nil
}

func (m *Message) Decode(ctx *DecodingContext) error {
	data, encoding, err := DecodeData(m.Data, m.Encoding, ctx)
	m.Data, m.Encoding = data, encoding
	return err
}

func (p *PresenceMessage) Encode(binaryFormat bool) error {
	data, encoding, err := EncodeData(p.Data, p.Encoding, binaryFormat, 0)
	if err != nil {
		return err
	}
	p.Data, p.Encoding = data, encoding
	return nil
}

func (p *PresenceMessage) Decode() error {
	data, encoding, err := DecodeData(p.Data, p.Encoding, nil)
	p.Data, p.Encoding = data, encoding
	return err
}

func (a *Annotation) Decode() error {
	data, encoding, err := DecodeData(a.Data, a.Encoding, nil)
	a.Data, a.Encoding = data, encoding
	return err
}

func (a *Annotation) Encode(binaryFormat bool) error {
	data, encoding, err := EncodeData(a.Data, a.Encoding, binaryFormat, 0)
	if err != nil {
		return err
	}
	a.Data, a.Encoding = data, encoding
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("[Message; id=%s; name=%s; encoding=%s]", m.ID, m.Name, m.Encoding)
}
