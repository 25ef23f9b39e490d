package codec

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"

	"relaywire.io/realtime/config"
)

// Codec turns protocol frames into bytes for a transport and back
type Codec interface {
	Format() config.Format
	ContentType() string
	// Binary frames are sent as websocket binary messages
	Binary() bool
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

func ForFormat(format config.Format) (Codec, error) {
	switch format {
	case config.FormatJSON, "":
		return JSON{}, nil
	case config.FormatMsgpack:
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("no codec for format %q", format)
}

type JSON struct{}

func (JSON) Format() config.Format { return config.FormatJSON }
func (JSON) ContentType() string   { return "application/json" }
func (JSON) Binary() bool          { return false }

func (JSON) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Msgpack reuses the json struct tags so message types only declare one set
type Msgpack struct{}

func (Msgpack) Format() config.Format { return config.FormatMsgpack }
func (Msgpack) ContentType() string   { return "application/x-msgpack" }
func (Msgpack) Binary() bool          { return true }

func (Msgpack) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	enc.UseCompactInts(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack) Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
