package castprotocol

import (
	"encoding/json"

	"go2tv.app/castrouter/mediarouter"
)

// receiverMessage is any message of the receiver namespace. Only the
// fields the launcher and sessions look at are decoded.
type receiverMessage struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
	Reason    string `json:"reason"`
	Status    struct {
		Applications  []application   `json:"applications"`
		Volume        *receiverVolume `json:"volume"`
		IsActiveInput *bool           `json:"isActiveInput"`
	} `json:"status"`
}

// application is one running receiver application.
type application struct {
	AppID       string                      `json:"appId"`
	DisplayName string                      `json:"displayName"`
	SessionID   string                      `json:"sessionId"`
	StatusText  string                      `json:"statusText"`
	TransportID string                      `json:"transportId"`
	Namespaces  []mediarouter.NamespaceInfo `json:"namespaces"`
	AppImages   []any                       `json:"appImages"`
}

type receiverVolume struct {
	Level *float64 `json:"level"`
	Muted *bool    `json:"muted"`
}

func parseReceiverMessage(payload string) (*receiverMessage, error) {
	var msg receiverMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// findApplication returns the application with the given session id, or
// the first one running appID when sessionID is empty.
func (m *receiverMessage) findApplication(appID, sessionID string) (application, bool) {
	for _, app := range m.Status.Applications {
		if sessionID != "" {
			if app.SessionID == sessionID {
				return app, true
			}
			continue
		}
		if app.AppID == appID && app.SessionID != "" && app.TransportID != "" {
			return app, true
		}
	}
	return application{}, false
}

// messageType reads the "type" member of a JSON payload.
func messageType(payload string) string {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &header); err != nil {
		return ""
	}
	return header.Type
}
