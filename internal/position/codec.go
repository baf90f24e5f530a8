package position

import (
	"encoding/base64"

	"github.com/vmihailenco/msgpack/v5"
)

// KeyPrefix namespaces position records in the key-value store.
const KeyPrefix = "position:"

func Key(id string) string {
	return KeyPrefix + id
}

// Encode serializes a position to a store value. The msgpack payload is
// base64-wrapped because the store holds text.
func Encode(p *Position) (string, error) {
	raw, err := msgpack.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func Decode(value string) (*Position, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	var p Position
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
