package gateway

import "encoding/json"

// Size caps for the per-frame pipeline.
const (
	ControlFrameCap = 64 * 1024
	BulkFrameCap    = 256 * 1024
)

// bulkTypes are the message types allowed the larger 256 KiB cap; every
// other recognized type is held to the 64 KiB control cap.
var bulkTypes = map[string]bool{
	"upstream-message": true,
	"stream-frame":     true,
	"chunk_push":       true,
}

// frameCap returns the size limit that applies to a message of the given
// type. processFrame calls it only after isKnownType has accepted the type;
// any type not in bulkTypes gets the stricter control cap.
func frameCap(msgType string) int {
	if bulkTypes[msgType] {
		return BulkFrameCap
	}
	return ControlFrameCap
}

// schemas lists the fields required for every recognized message type
// except "register" (whose requirement is a disjunction, handled
// separately).
var schemas = map[string][]string{
	"pair_request":           {"targetCode"},
	"pair_response":          {"targetCode", "accepted"},
	"offer":                  {"target"},
	"answer":                 {"target"},
	"ice_candidate":          {"target"},
	"call_offer":             {"target"},
	"call_answer":            {"target"},
	"call_reject":            {"target"},
	"call_hangup":            {"target"},
	"call_ice":               {"target"},
	"link_request":           {"linkCode", "publicKey"},
	"link_response":          {"linkCode", "accepted"},
	"upstream-message":       {"channelId", "ephemeralPublicKey"},
	"stream-start":           {"streamId", "channelId"},
	"stream-frame":           {"streamId", "channelId"},
	"stream-end":             {"streamId", "channelId"},
	"channel-subscribe":      {"channelId"},
	"channel-owner-register": {"channelId"},
	"chunk_announce":         {"peerId", "chunks"},
	"chunk_request":          {"chunkId", "channelId"},
	"chunk_push":             {"chunkId", "channelId"},
	"update_load":            {"peerId"},
	"register_rendezvous":    {"peerId", "relayId"},
	"register-daily-points":  {"points", "deadDrop", "relayId"},
	"register-hourly-tokens": {"tokens", "relayId"},
	"get-daily-point":        {"point"},
	"heartbeat":              {"peerId"},
	"ping":                   nil,
	"attest_request":         {"build_token", "device_id"},
	"attest_response":        {"nonce", "responses"},
	"get_relays":             nil,
}

// knownTypes also includes "register", which is validated with its own
// disjunctive rule rather than a fixed field list.
func isKnownType(msgType string) bool {
	if msgType == "register" {
		return true
	}
	_, ok := schemas[msgType]
	return ok
}

// inboundFrame is the generic parsed shape of every client→server message:
// a type discriminator plus its fields as raw JSON, decoded further by each
// dispatch handler.
type inboundFrame struct {
	Type string
	raw  map[string]json.RawMessage
}

func parseInboundFrame(data []byte) (inboundFrame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return inboundFrame{}, err
	}
	typeRaw, ok := raw["type"]
	if !ok {
		return inboundFrame{}, errMissingType
	}
	var msgType string
	if err := json.Unmarshal(typeRaw, &msgType); err != nil {
		return inboundFrame{}, errMissingType
	}
	return inboundFrame{Type: msgType, raw: raw}, nil
}

func (f inboundFrame) has(field string) bool {
	_, ok := f.raw[field]
	return ok
}

func (f inboundFrame) str(field string) string {
	raw, ok := f.raw[field]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func (f inboundFrame) bool(field string) (bool, bool) {
	raw, ok := f.raw[field]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

func (f inboundFrame) strSlice(field string) []string {
	raw, ok := f.raw[field]
	if !ok {
		return nil
	}
	var out []string
	_ = json.Unmarshal(raw, &out)
	return out
}

func (f inboundFrame) missingFields(required []string) []string {
	var missing []string
	for _, field := range required {
		if !f.has(field) {
			missing = append(missing, field)
		}
	}
	return missing
}

var errMissingType = jsonFieldError("missing \"type\" field")

type jsonFieldError string

func (e jsonFieldError) Error() string { return string(e) }
