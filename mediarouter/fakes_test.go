package mediarouter

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAppID    = "CC1AD845"
	testSinkID   = "sink-1"
	testOrigin   = "https://a.com"
	testTabID    = 1
	testNS       = "urn:x-cast:com.example.app"
	testSession1 = "session-1"
)

func testSourceID(clientID, policy string) string {
	return "cast:" + testAppID + "?clientId=" + clientID + "&autoJoinPolicy=" + policy
}

// manualRunner queues posted tasks until the test drains them.
type manualRunner struct {
	tasks []func()
}

func (r *manualRunner) Post(task func()) {
	r.tasks = append(r.tasks, task)
}

func (r *manualRunner) drain() {
	for len(r.tasks) > 0 {
		task := r.tasks[0]
		r.tasks = r.tasks[1:]
		task()
	}
}

type fakeDiscovery struct {
	sinks          []MediaSink
	subscribers    map[int]func()
	nextSub        int
	subscribeCalls int
	selected       string
	defaultCalls   int
}

func newFakeDiscovery(sinks ...MediaSink) *fakeDiscovery {
	return &fakeDiscovery{sinks: sinks, subscribers: make(map[int]func())}
}

func (d *fakeDiscovery) Sinks() []MediaSink {
	out := append([]MediaSink(nil), d.sinks...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *fakeDiscovery) Sink(id string) (MediaSink, bool) {
	for _, s := range d.sinks {
		if s.ID == id {
			return s, true
		}
	}
	return MediaSink{}, false
}

func (d *fakeDiscovery) Subscribe(fn func()) func() {
	d.subscribeCalls++
	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = fn
	return func() { delete(d.subscribers, id) }
}

func (d *fakeDiscovery) SelectRoute(sinkID string) { d.selected = sinkID }

func (d *fakeDiscovery) SelectDefaultRoute() {
	d.selected = ""
	d.defaultCalls++
}

func (d *fakeDiscovery) setSinks(sinks ...MediaSink) {
	d.sinks = sinks
	for _, fn := range d.subscribers {
		fn()
	}
}

type fakeLauncher struct {
	requests []*CreateRouteRequest
}

func (l *fakeLauncher) LaunchSession(req *CreateRouteRequest, listener SessionListener) {
	l.requests = append(l.requests, req)
}

func (l *fakeLauncher) last() *CreateRouteRequest {
	if len(l.requests) == 0 {
		return nil
	}
	return l.requests[len(l.requests)-1]
}

type sentCastMessage struct {
	message   string
	namespace string
	clientID  string
	seq       int
}

type fakeSession struct {
	id         string
	sinkID     string
	appID      string
	namespaces []string
	invalid    bool
	failSend   bool

	volumeResult VolumeResult
	volumeCalls  []VolumeRequest
	stopCalls    int
	connected    []string
	sent         []sentCastMessage
}

func newFakeSession(id, sinkID string) *fakeSession {
	return &fakeSession{
		id:           id,
		sinkID:       sinkID,
		appID:        testAppID,
		namespaces:   []string{MediaNamespace, testNS},
		volumeResult: VolumeResult{Succeeded: true},
	}
}

func (s *fakeSession) SessionID() string       { return s.id }
func (s *fakeSession) SinkID() string          { return s.sinkID }
func (s *fakeSession) AppID() string           { return s.appID }
func (s *fakeSession) Namespaces() []string    { return s.namespaces }
func (s *fakeSession) IsAPIClientInvalid() bool { return s.invalid }

func (s *fakeSession) Info() SessionInfo {
	return SessionInfo{SessionID: s.id, AppID: s.appID, Status: "connected"}
}

func (s *fakeSession) SendStringCastMessage(message, namespace, clientID string, seq int) bool {
	if s.failSend {
		return false
	}
	s.sent = append(s.sent, sentCastMessage{message, namespace, clientID, seq})
	return true
}

func (s *fakeSession) HandleVolumeMessage(v VolumeRequest, clientID string, seq int) VolumeResult {
	s.volumeCalls = append(s.volumeCalls, v)
	return s.volumeResult
}

func (s *fakeSession) StopApplication()               { s.stopCalls++ }
func (s *fakeSession) OnClientConnected(clientID string) { s.connected = append(s.connected, clientID) }

func (s *fakeSession) lastSent(t *testing.T) map[string]any {
	t.Helper()
	require.NotEmpty(t, s.sent)
	msg, err := decodeJSONObject([]byte(s.sent[len(s.sent)-1].message))
	require.NoError(t, err)
	return msg
}

type managerEvent struct {
	kind        string
	sourceID    string
	sinks       []MediaSink
	routeID     string
	sinkID      string
	requestID   int
	wasLaunched bool
	message     string
	success     bool
	callbackID  int
}

type recordingManager struct {
	events []managerEvent
}

func (m *recordingManager) OnSinksReceived(sourceID string, sinks []MediaSink) {
	m.events = append(m.events, managerEvent{kind: "sinks", sourceID: sourceID, sinks: sinks})
}

func (m *recordingManager) OnRouteCreated(routeID, sinkID string, requestID int, _ *Provider, wasLaunched bool) {
	m.events = append(m.events, managerEvent{kind: "created", routeID: routeID, sinkID: sinkID, requestID: requestID, wasLaunched: wasLaunched})
}

func (m *recordingManager) OnRouteRequestError(message string, requestID int) {
	m.events = append(m.events, managerEvent{kind: "error", message: message, requestID: requestID})
}

func (m *recordingManager) OnRouteClosed(routeID string) {
	m.events = append(m.events, managerEvent{kind: "closed", routeID: routeID})
}

func (m *recordingManager) OnRouteClosedWithError(routeID, message string) {
	m.events = append(m.events, managerEvent{kind: "closed_error", routeID: routeID, message: message})
}

func (m *recordingManager) OnMessage(routeID, message string) {
	m.events = append(m.events, managerEvent{kind: "message", routeID: routeID, message: message})
}

func (m *recordingManager) OnMessageSentResult(success bool, callbackID int) {
	m.events = append(m.events, managerEvent{kind: "sent", success: success, callbackID: callbackID})
}

func (m *recordingManager) ofKind(kind string) []managerEvent {
	var out []managerEvent
	for _, e := range m.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// pageMessage is a decoded provider-to-page message.
type pageMessage struct {
	Type           string          `json:"type"`
	SequenceNumber int             `json:"sequenceNumber"`
	TimeoutMillis  int             `json:"timeoutMillis"`
	ClientID       string          `json:"clientId"`
	Message        json.RawMessage `json:"message"`
}

func (m *recordingManager) messagesFor(t *testing.T, routeID string) []pageMessage {
	t.Helper()
	var out []pageMessage
	for _, e := range m.ofKind("message") {
		if e.routeID != routeID {
			continue
		}
		var pm pageMessage
		require.NoError(t, json.Unmarshal([]byte(e.message), &pm))
		out = append(out, pm)
	}
	return out
}

func (m *recordingManager) reset() {
	m.events = nil
}

type testEnv struct {
	runner    *manualRunner
	discovery *fakeDiscovery
	launcher  *fakeLauncher
	manager   *recordingManager
	provider  *Provider
	now       time.Time
}

func testSink(id, name string, caps int) MediaSink {
	return MediaSink{ID: id, Name: name, Device: Device{Host: "10.0.0.2", Port: 8009, Capabilities: caps}}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		runner:    &manualRunner{},
		discovery: newFakeDiscovery(testSink(testSinkID, "Living Room", CapabilityVideoOut|CapabilityAudioOut)),
		launcher:  &fakeLauncher{},
		manager:   &recordingManager{},
		now:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	env.provider = NewProvider(env.runner, env.discovery, env.launcher, env.manager,
		WithMetrics(NewMetrics(nil)),
		WithClock(func() time.Time { return env.now }),
	)
	return env
}

// launch creates a route for clientID and completes the launch with a new
// fake session. It returns the session and the route id.
func (e *testEnv) launch(t *testing.T, clientID, policy string, requestID int) (*fakeSession, string) {
	t.Helper()
	e.provider.CreateRoute(testSourceID(clientID, policy), testSinkID, "presentation-"+clientID, testOrigin, testTabID, false, requestID)
	req := e.launcher.last()
	require.NotNil(t, req)
	require.Equal(t, requestID, req.RequestID)

	session := newFakeSession(testSession1, testSinkID)
	e.provider.OnSessionCreated(req, session)
	e.runner.drain()

	created := e.manager.ofKind("created")
	require.NotEmpty(t, created)
	return session, created[len(created)-1].routeID
}

func (e *testEnv) join(t *testing.T, clientID, policy, presentationID, origin string, tabID, requestID int) string {
	t.Helper()
	e.provider.JoinRoute(testSourceID(clientID, policy), presentationID, origin, tabID, requestID)
	e.runner.drain()

	created := e.manager.ofKind("created")
	require.NotEmpty(t, created)
	last := created[len(created)-1]
	require.Equal(t, requestID, last.requestID)
	require.False(t, last.wasLaunched)
	return last.routeID
}

func (e *testEnv) send(t *testing.T, routeID, message string) bool {
	t.Helper()
	callbackID := len(e.manager.events) + 1000
	e.provider.SendStringMessage(routeID, message, callbackID)
	for _, ev := range e.manager.ofKind("sent") {
		if ev.callbackID == callbackID {
			return ev.success
		}
	}
	t.Fatalf("no OnMessageSentResult for callback %d", callbackID)
	return false
}

func (e *testEnv) connect(t *testing.T, routeID, clientID string) {
	t.Helper()
	require.True(t, e.send(t, routeID, `{"type":"client_connect","clientId":"`+clientID+`","message":null}`))
	e.runner.drain()
}
