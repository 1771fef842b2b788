package gateway

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nzilbb/jsendpraat/types"
)

// Encoding is the message encoding a sender last used.
type Encoding int

// Encodings.
const (
	EncodingJSON Encoding = iota
	EncodingMsgpack
)

func (e Encoding) String() string {
	if e == EncodingMsgpack {
		return "msgpack"
	}
	return "json"
}

// msgpackToJSON converts a msgpack-encoded requester message to the JSON the
// request schema validates.
func msgpackToJSON(data []byte) ([]byte, error) {
	var v map[string]any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode msgpack message: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert msgpack message: %w", err)
	}
	return out, nil
}

// jsonToMsgpack re-encodes a JSON object as msgpack. Integral numbers are
// written as integers.
func jsonToMsgpack(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode json message: %w", err)
	}
	return msgpack.Marshal(integralNumbers(v))
}

func integralNumbers(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = integralNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = integralNumbers(item)
		}
		return t
	default:
		return v
	}
}

// encode renders v in the given encoding.
func encode(enc Encoding, v any) ([]byte, error) {
	if enc == EncodingMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// tabID reads a tab selector given as a string or a number.
func tabID(v any) types.SenderID {
	switch t := v.(type) {
	case string:
		return types.SenderID(t)
	case float64:
		return types.TabSender(int(t))
	default:
		return ""
	}
}
