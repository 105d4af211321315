package bridge

import (
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/stl-import/internal/origin"
)

// Gatekeeper admits messages from allow-listed origins. Rejections are
// silent to the sender and only logged.
type Gatekeeper struct {
	policy *origin.Policy
	logger *slog.Logger
}

// NewGatekeeper creates a Gatekeeper over policy
func NewGatekeeper(policy *origin.Policy, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{policy: policy, logger: logger}
}

// Admit returns the parsed request, or false when the message must be dropped
func (g *Gatekeeper) Admit(msg Message) (Request, bool) {
	if !g.policy.Allows(msg.Origin) {
		g.logger.Warn("Dropped message from origin outside allow-list",
			slog.String("origin", msg.Origin),
		)
		return Request{}, false
	}

	record, ok := asRecord(msg.Data)
	if !ok {
		g.logger.Warn("Dropped message with unstructured payload",
			slog.String("origin", msg.Origin),
		)
		return Request{}, false
	}

	typ, _ := record["type"].(string)
	if _, known := recognizedTypes[typ]; !known {
		g.logger.Warn("Dropped message with unrecognized type",
			slog.String("origin", msg.Origin),
			slog.String("type", typ),
		)
		return Request{}, false
	}

	req := Request{
		Type:      typ,
		Origin:    msg.Origin,
		StlURL:    stringField(record, "stlUrl"),
		StlBase64: stringField(record, "stlBase64"),
		FileName:  stringField(record, "fileName"),
	}
	if md, ok := record["metadata"].(map[string]any); ok {
		req.Metadata = md
	}
	return req, true
}

func asRecord(data any) (map[string]any, bool) {
	var raw []byte
	switch v := data.(type) {
	case map[string]any:
		return v, v != nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return nil, false
	}

	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil || record == nil {
		return nil, false
	}
	return record, true
}

func stringField(record map[string]any, key string) string {
	s, _ := record[key].(string)
	return s
}
