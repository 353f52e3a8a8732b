package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Keys whose values never reach logs.
var sensitiveKeys = map[string]struct{}{
	"capture_token": {},
	"token":         {},
	"auth_token":    {},
	"authorization": {},
	"password":      {},
}

// dumpLimit caps string values in debug dumps; audio payloads are much larger.
const dumpLimit = 256

// Dump renders msg for debug logs with sensitive values replaced and large
// strings truncated.
func Dump(msg *Message) string {
	v := map[string]any{
		"id":     msg.ID,
		"type":   msg.Type,
		"from":   msg.From,
		"target": msg.Target,
	}
	if msg.ReplyTo != "" {
		v["reply_to"] = msg.ReplyTo
	}
	if len(msg.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			payload = fmt.Sprintf("<%d bytes>", len(msg.Payload))
		}
		v["payload"] = redact(payload, dumpLimit)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%s %s->%s", msg.Type, msg.From, msg.Target)
	}
	return string(b)
}

// RedactJSON applies the dump rules to an arbitrary JSON document. Input
// that does not parse is returned unchanged.
func RedactJSON(raw []byte, limit int) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(redact(v, limit))
	if err != nil {
		return raw
	}
	return out
}

// redact walks a decoded JSON value in place.
func redact(v any, limit int) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redact(val, limit)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redact(it, limit)
		}
		return vv
	case string:
		if limit > 0 && len(vv) > limit {
			return fmt.Sprintf("<redacted %d bytes>", len(vv))
		}
		return vv
	default:
		return v
	}
}
