package castprotocol

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
	"go2tv.app/castrouter/mediarouter"
)

const (
	// Smaller level changes are not sent to the receiver.
	volumeEpsilon = 1e-7

	defaultStopTimeout = 10 * time.Second
)

// Session is a receiver application reached over one Cast V2 connection.
// The mediarouter methods are called on the provider loop; a reader
// goroutine updates the receiver state and posts events back to it.
type Session struct {
	ch       *channel
	runner   mediarouter.Runner
	listener mediarouter.SessionListener
	sink     mediarouter.MediaSink
	senderID string

	stopTimeout time.Duration

	mu            sync.Mutex
	app           application
	volume        mediarouter.Volume
	isActiveInput *bool
	stopping      bool
	closed        bool
	virtual       map[string]bool

	done      chan struct{}
	closeOnce sync.Once

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

var _ mediarouter.CastSession = (*Session)(nil)

func newSession(ch *channel, runner mediarouter.Runner, listener mediarouter.SessionListener, sink mediarouter.MediaSink, app application, volume mediarouter.Volume) *Session {
	return &Session{
		ch:          ch,
		runner:      runner,
		listener:    listener,
		sink:        sink,
		senderID:    defaultSenderID,
		stopTimeout: defaultStopTimeout,
		app:         app,
		volume:      volume,
		virtual:     map[string]bool{defaultSenderID: true},
		done:        make(chan struct{}),
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (s *Session) Log() *zerolog.Logger {
	if s.LogOutput != nil {
		s.initLogOnce.Do(func() {
			s.Logger = zerolog.New(s.LogOutput).With().Timestamp().Str("Component", "session").Logger()
		})
	}
	return &s.Logger
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app.SessionID
}

func (s *Session) SinkID() string { return s.sink.ID }

func (s *Session) AppID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app.AppID
}

func (s *Session) transportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app.TransportID
}

// Namespaces lists the namespaces the receiver application accepts.
func (s *Session) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.app.Namespaces))
	for _, ns := range s.app.Namespaces {
		out = append(out, ns.Name)
	}
	return out
}

// Info describes the session the way pages expect it in new_session and
// update_session.
func (s *Session) Info() mediarouter.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	volume := s.volume
	namespaces := append([]mediarouter.NamespaceInfo{}, s.app.Namespaces...)
	images := s.app.AppImages
	if images == nil {
		images = []any{}
	}

	return mediarouter.SessionInfo{
		SessionID:  s.app.SessionID,
		StatusText: s.app.StatusText,
		Receiver: mediarouter.ReceiverInfo{
			Label:         s.sink.ID,
			FriendlyName:  s.sink.Name,
			Capabilities:  mediarouter.CapabilityNames(s.sink.Device.Capabilities),
			Volume:        &volume,
			IsActiveInput: s.isActiveInput,
			ReceiverType:  "cast",
		},
		Namespaces:  namespaces,
		Media:       []any{},
		Status:      "connected",
		TransportID: s.app.TransportID,
		AppID:       s.app.AppID,
		DisplayName: s.app.DisplayName,
		AppImages:   images,
	}
}

// IsAPIClientInvalid reports whether the connection to the receiver is gone.
func (s *Session) IsAPIClientInvalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendStringCastMessage sends message from the client's virtual connection
// to the application transport. Non-JSON payloads cannot be carried and
// are rejected.
func (s *Session) SendStringCastMessage(message, namespace, clientID string, sequenceNumber int) bool {
	if s.IsAPIClientInvalid() {
		return false
	}

	source := s.sourceFor(clientID)
	if err := s.ensureVirtualConnection(source); err != nil {
		s.Log().Error().Str("Method", "SendStringCastMessage").Str("Source", source).Err(err).Msg("virtual connection failed")
		return false
	}

	if err := s.ch.send(0, rawPayload(message), source, s.transportID(), namespace); err != nil {
		s.Log().Debug().Str("Method", "SendStringCastMessage").Str("Namespace", namespace).
			Int("SequenceNumber", sequenceNumber).Err(err).Msg("send failed")
		return false
	}
	return true
}

// HandleVolumeMessage sends SET_VOLUME when the request differs from the
// receiver's current state. The page is answered once RECEIVER_STATUS
// reports the new volume.
func (s *Session) HandleVolumeMessage(v mediarouter.VolumeRequest, clientID string, sequenceNumber int) mediarouter.VolumeResult {
	if v.Level == nil && v.Muted == nil {
		return mediarouter.VolumeResult{}
	}
	if s.IsAPIClientInvalid() {
		return mediarouter.VolumeResult{}
	}

	s.mu.Lock()
	current := s.volume
	s.mu.Unlock()

	var change volumeChange
	if v.Level != nil && math.Abs(*v.Level-current.Level) > volumeEpsilon {
		change.Level = v.Level
	}
	if v.Muted != nil && *v.Muted != current.Muted {
		change.Muted = v.Muted
	}
	if change.Level == nil && change.Muted == nil {
		return mediarouter.VolumeResult{Succeeded: true}
	}

	requestID := nextRequestID()
	payload := &setVolumePayload{
		PayloadHeader: cast.PayloadHeader{Type: "SET_VOLUME"},
		Volume:        change,
	}
	if err := s.ch.send(requestID, payload, s.senderID, receiverID, mediarouter.ReceiverNamespace); err != nil {
		s.Log().Error().Str("Method", "HandleVolumeMessage").Str("ClientID", clientID).Err(err).Msg("SET_VOLUME failed")
		return mediarouter.VolumeResult{}
	}

	s.Log().Debug().Str("Method", "HandleVolumeMessage").Str("ClientID", clientID).
		Int("SequenceNumber", sequenceNumber).Int("RequestID", requestID).Msg("volume change requested")
	return mediarouter.VolumeResult{Succeeded: true, ShouldWaitForVolumeChange: true}
}

// StopApplication asks the receiver to stop the application. Repeated
// calls are ignored. The session reports closure once the receiver drops
// the application, or after the stop timeout.
func (s *Session) StopApplication() {
	s.mu.Lock()
	if s.stopping || s.closed {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	sessionID := s.app.SessionID
	s.mu.Unlock()

	payload := &stopPayload{
		PayloadHeader: cast.PayloadHeader{Type: "STOP"},
		SessionID:     sessionID,
	}
	if err := s.ch.send(nextRequestID(), payload, s.senderID, receiverID, mediarouter.ReceiverNamespace); err != nil {
		s.Log().Error().Str("Method", "StopApplication").Err(err).Msg("STOP failed")
		s.markClosed("stop failed")
		return
	}

	time.AfterFunc(s.stopTimeout, func() { s.markClosed("stop timed out") })
}

// OnClientConnected opens the virtual connection of a page client.
func (s *Session) OnClientConnected(clientID string) {
	source := s.sourceFor(clientID)
	if err := s.ensureVirtualConnection(source); err != nil {
		s.Log().Error().Str("Method", "OnClientConnected").Str("ClientID", clientID).Err(err).Msg("virtual connection failed")
	}
}

func (s *Session) sourceFor(clientID string) string {
	if clientID == "" {
		return s.senderID
	}
	return "sender-" + clientID
}

func (s *Session) ensureVirtualConnection(source string) error {
	s.mu.Lock()
	if s.virtual[source] {
		s.mu.Unlock()
		return nil
	}
	s.virtual[source] = true
	transport := s.app.TransportID
	s.mu.Unlock()

	if err := s.ch.connect(source, transport); err != nil {
		s.mu.Lock()
		delete(s.virtual, source)
		s.mu.Unlock()
		return err
	}
	return nil
}

// readLoop dispatches incoming messages until the connection or the
// session closes.
func (s *Session) readLoop() {
	msgs := s.ch.conn.MsgChan()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				s.markClosed("connection closed")
				return
			}
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg *pb.CastMessage) {
	namespace := msg.GetNamespace()
	payload := msg.GetPayloadUtf8()

	switch namespace {
	case heartbeatNamespace:
		if messageType(payload) == "PING" {
			if err := s.ch.pong(msg); err != nil {
				s.Log().Debug().Str("Method", "dispatch").Err(err).Msg("PONG failed")
			}
		}
	case connectionNamespace:
		if messageType(payload) == "CLOSE" && msg.GetSourceId() == s.transportID() {
			s.markClosed("transport closed")
		}
	case mediarouter.ReceiverNamespace:
		s.onReceiverMessage(payload)
	default:
		s.runner.Post(func() { s.listener.OnMessageReceived(s, namespace, payload) })
	}
}

func (s *Session) onReceiverMessage(payload string) {
	msg, err := parseReceiverMessage(payload)
	if err != nil {
		s.Log().Debug().Str("Method", "onReceiverMessage").Err(err).Msg("malformed receiver message")
		return
	}
	if msg.Type != "RECEIVER_STATUS" {
		return
	}

	app, ok := msg.findApplication("", s.SessionID())
	if !ok {
		s.markClosed("application stopped")
		return
	}

	s.mu.Lock()
	s.app = app
	if msg.Status.IsActiveInput != nil {
		s.isActiveInput = msg.Status.IsActiveInput
	}
	changed := false
	if v := msg.Status.Volume; v != nil {
		if v.Level != nil && math.Abs(*v.Level-s.volume.Level) > volumeEpsilon {
			s.volume.Level = *v.Level
			changed = true
		}
		if v.Muted != nil && *v.Muted != s.volume.Muted {
			s.volume.Muted = *v.Muted
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.runner.Post(func() { s.listener.OnVolumeChanged(s) })
	}
}

// markClosed tears the connection down once and reports the closure on
// the provider loop.
func (s *Session) markClosed(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		transport := s.app.TransportID
		s.mu.Unlock()
		close(s.done)

		if err := s.ch.closeVirtual(s.senderID, transport); err != nil {
			s.Log().Debug().Str("Method", "markClosed").Err(err).Msg("CLOSE failed")
		}
		if err := s.ch.conn.Close(); err != nil {
			s.Log().Debug().Str("Method", "markClosed").Err(err).Msg("connection close failed")
		}

		s.Log().Info().Str("Method", "markClosed").Str("SessionID", s.SessionID()).Str("Reason", reason).Msg("session closed")
		s.runner.Post(func() { s.listener.OnSessionClosed(s) })
	})
}
