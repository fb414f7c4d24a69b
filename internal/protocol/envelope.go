package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Envelope is the response frame on both JSON channels (spec.md §6):
// {"type":"ok","data":...} | {"type":"error","error":"..."} |
// {"type":"json-error","error":"..."}, with an optional echoed $rid.
type Envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Rid   string          `json:"$rid,omitempty"`
}

func OkEnvelope(rid string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorEnvelope(rid, err)
	}
	return Envelope{Type: "ok", Data: raw, Rid: rid}
}

func ErrorEnvelope(rid string, err error) Envelope {
	return Envelope{Type: "error", Error: err.Error(), Rid: rid}
}

func JSONErrorEnvelope(err error) Envelope {
	return Envelope{Type: "json-error", Error: err.Error()}
}

// PeekRequest extracts the "op" and "$rid" fields of a raw request without
// fully decoding it, mirroring the original dispatcher's ad hoc
// json["op"].as_str() access before a typed decode of the rest.
func PeekRequest(raw []byte) (op string, rid string, ok bool) {
	if !gjson.ValidBytes(raw) {
		return "", "", false
	}
	result := gjson.ParseBytes(raw)
	return result.Get("op").String(), result.Get("$rid").String(), true
}
