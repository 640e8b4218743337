package mediarouter

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var requestIDCounter int32

func nextRequestID() int {
	return int(atomic.AddInt32(&requestIDCounter, 1))
}

type clientMessageKind int

const (
	kindUnknown clientMessageKind = iota
	kindClientConnect
	kindClientDisconnect
	kindLeaveSession
	kindV2Message
	kindAppMessage
)

var clientMessageKinds = map[string]clientMessageKind{
	"client_connect":    kindClientConnect,
	"client_disconnect": kindClientDisconnect,
	"leave_session":     kindLeaveSession,
	"v2_message":        kindV2Message,
	"app_message":       kindAppMessage,
}

// clientEnvelope is the outer object of every page message.
type clientEnvelope struct {
	Type           string          `json:"type"`
	ClientID       string          `json:"clientId"`
	SequenceNumber *int            `json:"sequenceNumber"`
	TimeoutMillis  int             `json:"timeoutMillis"`
	Message        json.RawMessage `json:"message"`
}

func (e *clientEnvelope) sequenceNumber() int {
	if e.SequenceNumber == nil {
		return invalidSequenceNumber
	}
	return *e.SequenceNumber
}

// mediaCommands lists the v2_message types forwarded to the media
// namespace, with the type the receiver expects.
var mediaCommands = []struct {
	client string
	native string
}{
	{"PLAY", "PLAY"},
	{"LOAD", "LOAD"},
	{"PAUSE", "PAUSE"},
	{"SEEK", "SEEK"},
	{"STOP_MEDIA", "STOP"},
	{"MEDIA_SET_VOLUME", "SET_VOLUME"},
	{"MEDIA_GET_STATUS", "GET_STATUS"},
	{"EDIT_TRACKS_INFO", "EDIT_TRACKS_INFO"},
	{"QUEUE_LOAD", "QUEUE_LOAD"},
	{"QUEUE_INSERT", "QUEUE_INSERT"},
	{"QUEUE_UPDATE", "QUEUE_UPDATE"},
	{"QUEUE_REORDER", "QUEUE_REORDER"},
	{"QUEUE_REMOVE", "QUEUE_REMOVE"},
}

func nativeMediaCommand(clientType string) (string, bool) {
	for _, c := range mediaCommands {
		if c.client == clientType {
			return c.native, true
		}
	}
	return "", false
}

// appMessageBody is the "message" member of an app_message envelope.
type appMessageBody struct {
	SessionID     string `mapstructure:"sessionId"`
	NamespaceName string `mapstructure:"namespaceName"`
	Message       any    `mapstructure:"message"`
}

// Handler translates between the page protocol and the native session and
// keeps the request correlation state. It lives on the provider's Runner.
type Handler struct {
	provider *Provider
	session  CastSession

	requests       map[int]*RequestRecord
	volumeRequests []*RequestRecord
	stopRequests   map[string][]int
	stopOrder      []string
}

func newHandler(p *Provider) *Handler {
	return &Handler{
		provider:     p,
		requests:     make(map[int]*RequestRecord),
		stopRequests: make(map[string][]int),
	}
}

func (h *Handler) setSession(s CastSession) {
	h.session = s
}

// reset drops every correlation record. Called when the session goes away.
func (h *Handler) reset() {
	h.session = nil
	h.requests = make(map[int]*RequestRecord)
	h.volumeRequests = nil
	h.stopRequests = make(map[string][]int)
	h.stopOrder = nil
	h.updatePendingGauge()
}

// HandleMessageFromClient processes one page message. It returns false for
// anything malformed or not applicable to the current session.
func (h *Handler) HandleMessageFromClient(message string) bool {
	var env clientEnvelope
	if err := json.Unmarshal([]byte(message), &env); err != nil {
		h.provider.Log().Debug().Str("Method", "HandleMessageFromClient").Err(err).Msg("malformed client message")
		h.countClientMessage("invalid", false)
		return false
	}

	var ok bool
	switch clientMessageKinds[env.Type] {
	case kindClientConnect:
		ok = h.handleClientConnect(&env)
	case kindClientDisconnect:
		ok = h.handleClientDisconnect(&env)
	case kindLeaveSession:
		ok = h.handleLeaveSession(&env)
	case kindV2Message:
		ok = h.handleCastV2Message(&env)
	case kindAppMessage:
		ok = h.handleAppMessage(&env)
	default:
		h.provider.Log().Debug().Str("Method", "HandleMessageFromClient").Str("Type", env.Type).Msg("unsupported message type")
	}

	h.countClientMessage(env.Type, ok)
	return ok
}

func (h *Handler) handleClientConnect(env *clientEnvelope) bool {
	client := h.provider.clientRecord(env.ClientID)
	if client == nil {
		return false
	}

	client.IsConnected = true
	if h.session != nil {
		h.session.OnClientConnected(client.ClientID)
		h.sendClientMessage(client.ClientID, "new_session", h.session.Info(), invalidSequenceNumber)
	}

	for _, message := range client.takePending() {
		h.provider.manager.OnMessage(client.RouteID, message)
	}
	return true
}

func (h *Handler) handleClientDisconnect(env *clientEnvelope) bool {
	client := h.provider.clientRecord(env.ClientID)
	if client == nil {
		return false
	}

	h.provider.onClientRouteClosed(client)
	return true
}

func (h *Handler) handleLeaveSession(env *clientEnvelope) bool {
	leaving := h.provider.clientRecord(env.ClientID)
	if leaving == nil {
		return false
	}

	var sessionID string
	if len(env.Message) > 0 {
		if err := json.Unmarshal(env.Message, &sessionID); err != nil {
			return false
		}
	}

	sequenceNumber := env.sequenceNumber()
	if h.session == nil || sessionID != h.session.SessionID() || leaving.AutoJoinPolicy == PageScoped {
		h.sendClientMessage(leaving.ClientID, "leave_session", nil, sequenceNumber)
		return true
	}

	for _, other := range h.provider.clientRecords() {
		if other == leaving || !leaving.sharesAutoJoinScope(other) {
			continue
		}
		h.sendClientMessage(other.ClientID, "disconnect_session", sessionID, invalidSequenceNumber)
	}

	h.sendClientMessage(leaving.ClientID, "leave_session", nil, sequenceNumber)
	h.provider.onClientRouteClosed(leaving)
	return true
}

func (h *Handler) handleCastV2Message(env *clientEnvelope) bool {
	if h.session == nil || h.provider.clientRecord(env.ClientID) == nil {
		return false
	}

	castMessage, err := decodeJSONObject(env.Message)
	if err != nil {
		return false
	}

	messageType := stringField(castMessage, "type")
	sequenceNumber := env.sequenceNumber()

	switch messageType {
	case "STOP":
		h.handleStopMessage(env.ClientID, sequenceNumber)
		return true
	case "SET_VOLUME":
		return h.handleVolumeMessage(castMessage, env.ClientID, sequenceNumber, env.TimeoutMillis)
	}

	nativeType, ok := nativeMediaCommand(messageType)
	if !ok {
		h.provider.Log().Debug().Str("Method", "handleCastV2Message").Str("Type", messageType).Msg("ignoring unknown v2 message")
		return true
	}
	castMessage["type"] = nativeType

	return h.sendJSONCastMessage(castMessage, MediaNamespace, env.ClientID, sequenceNumber, env.TimeoutMillis)
}

// handleStopMessage queues the acknowledgement; the session is asked to
// stop only once per teardown.
func (h *Handler) handleStopMessage(clientID string, sequenceNumber int) {
	first := len(h.stopOrder) == 0

	if _, ok := h.stopRequests[clientID]; !ok {
		h.stopOrder = append(h.stopOrder, clientID)
	}
	h.stopRequests[clientID] = append(h.stopRequests[clientID], sequenceNumber)

	if first {
		h.session.StopApplication()
	}
}

func (h *Handler) handleVolumeMessage(castMessage map[string]any, clientID string, sequenceNumber, timeoutMillis int) bool {
	raw, ok := castMessage["volume"].(map[string]any)
	if !ok {
		return false
	}

	// Round trip through encoding/json to get the optional fields typed.
	b, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	var volume VolumeRequest
	if err := json.Unmarshal(b, &volume); err != nil {
		return false
	}

	result := h.session.HandleVolumeMessage(volume, clientID, sequenceNumber)
	if !result.Succeeded {
		return false
	}

	if result.ShouldWaitForVolumeChange {
		h.volumeRequests = append(h.volumeRequests, &RequestRecord{
			ClientID:       clientID,
			SequenceNumber: sequenceNumber,
			Deadline:       h.provider.deadline(timeoutMillis),
		})
		h.updatePendingGauge()
		return true
	}

	// Posted so the caller sees its own call return before the reply.
	h.provider.runner.Post(func() {
		h.sendClientMessage(clientID, "v2_message", nil, sequenceNumber)
	})
	return true
}

func (h *Handler) handleAppMessage(env *clientEnvelope) bool {
	if h.session == nil || h.provider.clientRecord(env.ClientID) == nil {
		return false
	}

	raw, err := decodeJSONObject(env.Message)
	if err != nil {
		return false
	}

	var body appMessageBody
	if err := mapstructure.Decode(raw, &body); err != nil {
		return false
	}

	if body.SessionID != h.session.SessionID() || body.NamespaceName == "" {
		return false
	}
	if !h.sessionSupportsNamespace(body.NamespaceName) {
		return false
	}

	sequenceNumber := env.sequenceNumber()
	switch m := body.Message.(type) {
	case string:
		return h.session.SendStringCastMessage(m, body.NamespaceName, env.ClientID, sequenceNumber)
	case map[string]any:
		return h.sendJSONCastMessage(m, body.NamespaceName, env.ClientID, sequenceNumber, env.TimeoutMillis)
	}
	return false
}

func (h *Handler) sessionSupportsNamespace(namespace string) bool {
	for _, ns := range h.session.Namespaces() {
		if ns == namespace {
			return true
		}
	}
	return false
}

// sendJSONCastMessage strips nulls, records the correlation for sequenced
// commands and forwards the message to the session.
func (h *Handler) sendJSONCastMessage(message map[string]any, namespace, clientID string, sequenceNumber, timeoutMillis int) bool {
	if h.session == nil || h.session.IsAPIClientInvalid() {
		return false
	}

	removeNullFields(message)

	requestID := 0
	if sequenceNumber != invalidSequenceNumber {
		id, ok := intField(message, "requestId")
		if !ok || id == 0 {
			id = nextRequestID()
			message["requestId"] = id
		}
		requestID = id
		h.requests[requestID] = &RequestRecord{
			ClientID:       clientID,
			SequenceNumber: sequenceNumber,
			Deadline:       h.provider.deadline(timeoutMillis),
		}
		h.updatePendingGauge()
	}

	b, err := json.Marshal(message)
	if err != nil {
		delete(h.requests, requestID)
		return false
	}

	if !h.session.SendStringCastMessage(string(b), namespace, clientID, sequenceNumber) {
		delete(h.requests, requestID)
		h.updatePendingGauge()
		return false
	}
	return true
}

// onMediaMessage handles a message from the media namespace.
func (h *Handler) onMediaMessage(message string) {
	msg, err := decodeJSONObject([]byte(message))
	if err != nil {
		h.provider.Log().Debug().Str("Method", "onMediaMessage").Err(err).Msg("dropping malformed media message")
		return
	}

	isMediaStatus := stringField(msg, "type") == "MEDIA_STATUS"
	if isMediaStatus && h.session != nil {
		sanitizeMediaStatus(msg, h.session.SessionID())
	}

	request := h.takeRequest(msg)
	if request == nil {
		h.broadcast("v2_message", msg)
		return
	}

	h.sendClientMessage(request.ClientID, "v2_message", msg, request.SequenceNumber)
	if !isMediaStatus {
		return
	}
	for _, client := range h.provider.clientRecords() {
		if client.ClientID != request.ClientID {
			h.sendClientMessage(client.ClientID, "v2_message", msg, invalidSequenceNumber)
		}
	}
}

// onAppMessage handles a message from a receiver application namespace.
func (h *Handler) onAppMessage(namespace, message string) {
	var payload any = message
	var request *RequestRecord
	if msg, err := decodeJSONObject([]byte(message)); err == nil {
		payload = msg
		request = h.takeRequest(msg)
	}

	sessionID := ""
	if h.session != nil {
		sessionID = h.session.SessionID()
	}
	body := map[string]any{
		"sessionId":     sessionID,
		"namespaceName": namespace,
		"message":       payload,
	}

	if request == nil {
		h.broadcast("app_message", body)
		return
	}
	h.sendClientMessage(request.ClientID, "app_message", body, request.SequenceNumber)
}

func (h *Handler) takeRequest(msg map[string]any) *RequestRecord {
	requestID, ok := intField(msg, "requestId")
	if !ok {
		return nil
	}
	request, ok := h.requests[requestID]
	if !ok {
		return nil
	}
	delete(h.requests, requestID)
	h.updatePendingGauge()
	return request
}

// onVolumeChanged answers every queued SET_VOLUME in arrival order.
func (h *Handler) onVolumeChanged() {
	queued := h.volumeRequests
	h.volumeRequests = nil
	h.updatePendingGauge()

	for _, r := range queued {
		h.sendClientMessage(r.ClientID, "v2_message", nil, r.SequenceNumber)
	}

	if h.session != nil {
		h.broadcast("update_session", h.session.Info())
	}
}

// onApplicationStopped acknowledges every queued STOP command.
func (h *Handler) onApplicationStopped() {
	for _, clientID := range h.stopOrder {
		for _, sequenceNumber := range h.stopRequests[clientID] {
			h.sendClientMessage(clientID, "remove_session", nil, sequenceNumber)
		}
	}
	h.stopRequests = make(map[string][]int)
	h.stopOrder = nil
}

// expireRequests drops correlation records whose deadline passed.
func (h *Handler) expireRequests(now time.Time) int {
	expired := 0
	for id, r := range h.requests {
		if r.expired(now) {
			delete(h.requests, id)
			expired++
			h.provider.Log().Debug().Str("Method", "expireRequests").Str("ClientID", r.ClientID).
				Int("SequenceNumber", r.SequenceNumber).Int("RequestID", id).Msg("request expired")
		}
	}

	kept := h.volumeRequests[:0]
	for _, r := range h.volumeRequests {
		if r.expired(now) {
			expired++
			continue
		}
		kept = append(kept, r)
	}
	h.volumeRequests = kept

	if expired > 0 {
		h.updatePendingGauge()
		if m := h.provider.metrics; m != nil {
			m.ExpiredRequests.Add(float64(expired))
		}
	}
	return expired
}

func (h *Handler) sendReceiverAction(clientID string, sink MediaSink, action string) {
	h.sendClientMessage(clientID, "receiver_action", map[string]any{
		"receiverInfo": ReceiverInfo{
			Label:        sink.ID,
			FriendlyName: sink.Name,
			Capabilities: CapabilityNames(sink.Device.Capabilities),
			ReceiverType: "cast",
		},
		"action": action,
	}, invalidSequenceNumber)
}

func (h *Handler) broadcast(msgType string, message any) {
	for _, client := range h.provider.clientRecords() {
		h.sendClientMessage(client.ClientID, msgType, message, invalidSequenceNumber)
	}
}

func (h *Handler) sendClientMessage(clientID, msgType string, message any, sequenceNumber int) {
	out, err := buildInternalMessage(msgType, message, clientID, sequenceNumber)
	if err != nil {
		h.provider.Log().Error().Str("Method", "sendClientMessage").Str("Type", msgType).Err(err).Msg("cannot encode message")
		return
	}
	if m := h.provider.metrics; m != nil {
		m.PageMessages.WithLabelValues(msgType).Inc()
	}
	h.provider.onMessage(clientID, out)
}

func (h *Handler) pendingCount() int {
	return len(h.requests) + len(h.volumeRequests)
}

func (h *Handler) updatePendingGauge() {
	if m := h.provider.metrics; m != nil {
		m.PendingRequests.Set(float64(h.pendingCount()))
	}
}

func (h *Handler) countClientMessage(msgType string, ok bool) {
	m := h.provider.metrics
	if m == nil {
		return
	}
	if _, known := clientMessageKinds[msgType]; !known {
		msgType = "unknown"
	}
	m.ClientMessages.WithLabelValues(msgType, strconv.FormatBool(ok)).Inc()
}
