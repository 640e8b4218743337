package mediarouter

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errNotJSONObject = errors.New("message is not a JSON object")

// Bit order of the MEDIA_STATUS supportedMediaCommands field.
var supportedMediaCommands = []string{"pause", "seek", "stream_volume", "stream_mute"}

// decodeJSONObject parses data keeping numbers as json.Number so request
// ids and page payloads survive a round trip unchanged.
func decodeJSONObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotJSONObject
	}
	return obj, nil
}

// removeNullFields strips object members whose value is null, recursively.
// Nulls inside arrays are kept.
func removeNullFields(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if child == nil {
				delete(t, k)
				continue
			}
			removeNullFields(child)
		}
	case []any:
		for _, child := range t {
			removeNullFields(child)
		}
	}
}

// intField reads an integral JSON number from obj.
func intField(obj map[string]any, key string) (int, bool) {
	switch n := obj[key].(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		return int(n), n == float64(int(n))
	case int:
		return n, true
	}
	return 0, false
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// internalMessage is the envelope of every provider-to-page message.
type internalMessage struct {
	Type           string `json:"type"`
	SequenceNumber int    `json:"sequenceNumber"`
	TimeoutMillis  int    `json:"timeoutMillis"`
	ClientID       string `json:"clientId"`
	Message        any    `json:"message"`
}

// buildInternalMessage wraps message for delivery to clientID. Session
// removal notices never carry a body.
func buildInternalMessage(msgType string, message any, clientID string, sequenceNumber int) (string, error) {
	switch msgType {
	case "remove_session", "disconnect_session", "leave_session":
		message = nil
	}

	b, err := json.Marshal(internalMessage{
		Type:           msgType,
		SequenceNumber: sequenceNumber,
		TimeoutMillis:  0,
		ClientID:       clientID,
		Message:        message,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sanitizeMediaStatus adds the session id to every status entry and
// expands the supportedMediaCommands bitmask.
func sanitizeMediaStatus(msg map[string]any, sessionID string) {
	statuses, ok := msg["status"].([]any)
	if !ok {
		return
	}

	for _, s := range statuses {
		status, ok := s.(map[string]any)
		if !ok {
			continue
		}
		status["sessionId"] = sessionID

		bits, ok := intField(status, "supportedMediaCommands")
		if !ok {
			continue
		}
		commands := make([]any, 0, len(supportedMediaCommands))
		for i, name := range supportedMediaCommands {
			if bits&(1<<i) != 0 {
				commands = append(commands, name)
			}
		}
		status["supportedMediaCommands"] = commands
	}
}
