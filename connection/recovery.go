package connection

import (
	"fmt"

	"github.com/goccy/go-json"
)

// RecoveryKey is everything a new client instance needs to take over this
// connection: the connection itself, where the message serials were, and
// where each attached channel was.
type RecoveryKey struct {
	ConnectionKey  string            `json:"connectionKey"`
	MsgSerial      int64             `json:"msgSerial"`
	ChannelSerials map[string]string `json:"channelSerials"`
}

func (r *RecoveryKey) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeRecoveryKey(key string) (*RecoveryKey, error) {
	var recovery RecoveryKey
	if err := json.Unmarshal([]byte(key), &recovery); err != nil {
		return nil, fmt.Errorf("malformed recovery key: %w", err)
	}

	if recovery.ConnectionKey == "" {
		return nil, fmt.Errorf("malformed recovery key: no connection key")
	}
	if recovery.ChannelSerials == nil {
		recovery.ChannelSerials = map[string]string{}
	}
	return &recovery, nil
}
