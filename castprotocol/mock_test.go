package castprotocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
	"go2tv.app/castrouter/mediarouter"
)

type sentPayload struct {
	requestID int
	source    string
	dest      string
	namespace string
	raw       string
	body      map[string]any
}

// mockConn mocks Start and Close and records every Send the way
// cast.Connection encodes it.
type mockConn struct {
	mock.Mock
	msgs chan *pb.CastMessage

	mu     sync.Mutex
	sent   []sentPayload
	onSend func(sentPayload)
}

func newMockConn() *mockConn {
	return &mockConn{msgs: make(chan *pb.CastMessage, 16)}
}

func (m *mockConn) Start(addr string, port int) error {
	return m.Called(addr, port).Error(0)
}

func (m *mockConn) MsgChan() chan *pb.CastMessage {
	return m.msgs
}

func (m *mockConn) Close() error {
	return m.Called().Error(0)
}

func (m *mockConn) Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error {
	payload.SetRequestId(requestID)
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	p := sentPayload{requestID: requestID, source: sourceID, dest: destinationID, namespace: namespace, raw: string(b)}
	_ = json.Unmarshal(b, &p.body)

	m.mu.Lock()
	m.sent = append(m.sent, p)
	hook := m.onSend
	m.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (m *mockConn) sentOf(namespace string) []sentPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []sentPayload
	for _, p := range m.sent {
		if namespace == "" || p.namespace == namespace {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockConn) push(source, dest, namespace, payload string) {
	version := pb.CastMessage_CASTV2_1_0
	payloadType := pb.CastMessage_STRING
	m.msgs <- &pb.CastMessage{
		ProtocolVersion: &version,
		SourceId:        &source,
		DestinationId:   &dest,
		Namespace:       &namespace,
		PayloadType:     &payloadType,
		PayloadUtf8:     &payload,
	}
}

type recordingListener struct {
	created   chan mediarouter.CastSession
	launchErr chan error
	closed    chan mediarouter.CastSession
	messages  chan [2]string
	volume    chan mediarouter.CastSession
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		created:   make(chan mediarouter.CastSession, 4),
		launchErr: make(chan error, 4),
		closed:    make(chan mediarouter.CastSession, 4),
		messages:  make(chan [2]string, 16),
		volume:    make(chan mediarouter.CastSession, 4),
	}
}

func (l *recordingListener) OnSessionCreated(_ *mediarouter.CreateRouteRequest, s mediarouter.CastSession) {
	l.created <- s
}

func (l *recordingListener) OnLaunchError(_ *mediarouter.CreateRouteRequest, err error) {
	l.launchErr <- err
}

func (l *recordingListener) OnSessionClosed(s mediarouter.CastSession) { l.closed <- s }

func (l *recordingListener) OnMessageReceived(_ mediarouter.CastSession, namespace, message string) {
	l.messages <- [2]string{namespace, message}
}

func (l *recordingListener) OnVolumeChanged(s mediarouter.CastSession) { l.volume <- s }

func startLoop(t *testing.T) *mediarouter.Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	loop := mediarouter.NewLoop()
	go loop.Run(ctx)
	return loop
}
