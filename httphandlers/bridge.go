package httphandlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go2tv.app/castrouter/mediarouter"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64

	maxFrameSize = 1 << 20
)

// Loop runs bridge and provider work on the provider's goroutine.
type Loop interface {
	mediarouter.Runner
	Call(ctx context.Context, fn func()) error
}

// RouteProvider is the part of *mediarouter.Provider the bridge drives.
type RouteProvider interface {
	StartObservingMediaSinks(sourceID string)
	StopObservingMediaSinks(sourceID string)
	CreateRoute(sourceID, sinkID, presentationID, origin string, tabID int, isIncognito bool, requestID int)
	JoinRoute(sourceID, presentationID, origin string, tabID int, requestID int)
	CloseRoute(routeID string)
	DetachRoute(routeID string)
	SendStringMessage(routeID, message string, callbackID int)
	OnSessionStopAction()
	Session() mediarouter.CastSession
	Routes() []mediarouter.MediaRoute
	ClientRecords() []mediarouter.ClientRecord
}

var _ RouteProvider = (*mediarouter.Provider)(nil)

// Bridge connects browser pages over WebSocket to the route provider. Each
// connection is one tab; its Origin header is the page origin. Request and
// callback ids are per connection on the wire and remapped to provider-wide
// ids here. Bridge implements mediarouter.RouteManager.
type Bridge struct {
	loop     Loop
	provider RouteProvider
	upgrader websocket.Upgrader

	limit rate.Limit
	burst int

	nextTabID atomic.Int64

	// Owned by the loop.
	conns     map[string]*wsConn
	requests  map[int]pageRef
	callbacks map[int]pageRef
	routes    map[string]*wsConn
	observers map[string]map[*wsConn]struct{}
	nextID    int

	// Route requests whose page left before the provider answered.
	departed map[int]struct{}

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

var _ mediarouter.RouteManager = (*Bridge)(nil)

type pageRef struct {
	conn *wsConn
	id   int
}

type wsConn struct {
	id      string
	origin  string
	tabID   int
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// Owned by the loop.
	routes  map[string]struct{}
	sources map[string]struct{}
	closed  bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithRateLimit caps the frames per second a single page may send.
func WithRateLimit(perSecond float64, burst int) BridgeOption {
	return func(b *Bridge) {
		if perSecond > 0 {
			b.limit = rate.Limit(perSecond)
		}
		if burst > 0 {
			b.burst = burst
		}
	}
}

// WithCheckOrigin replaces the upgrader origin check, which accepts every
// origin by default.
func WithCheckOrigin(fn func(r *http.Request) bool) BridgeOption {
	return func(b *Bridge) { b.upgrader.CheckOrigin = fn }
}

func WithBridgeLogOutput(w io.Writer) BridgeOption {
	return func(b *Bridge) { b.LogOutput = w }
}

// NewBridge constructor generates a Bridge; SetProvider completes it.
func NewBridge(loop Loop, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		loop: loop,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		limit:     rate.Limit(20),
		burst:     40,
		conns:     make(map[string]*wsConn),
		requests:  make(map[int]pageRef),
		callbacks: make(map[int]pageRef),
		routes:    make(map[string]*wsConn),
		observers: make(map[string]map[*wsConn]struct{}),
		departed:  make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetProvider must be called before the first connection is served.
func (b *Bridge) SetProvider(p RouteProvider) {
	b.provider = p
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (b *Bridge) Log() *zerolog.Logger {
	if b.LogOutput != nil {
		b.initLogOnce.Do(func() {
			b.Logger = zerolog.New(b.LogOutput).With().Timestamp().Str("Component", "bridge").Logger()
		})
	}
	return &b.Logger
}

// pageRequest is a frame sent by a page.
type pageRequest struct {
	Type           string `json:"type"`
	RequestID      int    `json:"requestId"`
	SourceID       string `json:"sourceId"`
	SinkID         string `json:"sinkId"`
	PresentationID string `json:"presentationId"`
	Incognito      bool   `json:"incognito"`
	RouteID        string `json:"routeId"`
	Message        string `json:"message"`
	CallbackID     int    `json:"callbackId"`
}

// pageEvent is a frame sent to a page.
type pageEvent struct {
	Type        string     `json:"type"`
	RequestID   *int       `json:"requestId,omitempty"`
	CallbackID  *int       `json:"callbackId,omitempty"`
	RouteID     string     `json:"routeId,omitempty"`
	SinkID      string     `json:"sinkId,omitempty"`
	SourceID    string     `json:"sourceId,omitempty"`
	Sinks       []sinkJSON `json:"sinks,omitempty"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	WasLaunched bool       `json:"wasLaunched,omitempty"`
	Success     *bool      `json:"success,omitempty"`
}

type sinkJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities"`
}

func toSinkJSON(sinks []mediarouter.MediaSink) []sinkJSON {
	out := make([]sinkJSON, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, sinkJSON{
			ID:           s.ID,
			Name:         s.Name,
			Model:        s.Device.Model,
			Capabilities: mediarouter.CapabilityNames(s.Device.Capabilities),
		})
	}
	return out
}

// ServeHTTP upgrades the request and serves the page until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.Log().Debug().Str("Method", "ServeHTTP").Err(err).Msg("upgrade failed")
		return
	}

	c := &wsConn{
		id:      uuid.NewString(),
		origin:  r.Header.Get("Origin"),
		tabID:   int(b.nextTabID.Add(1)),
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(b.limit, b.burst),
		routes:  make(map[string]struct{}),
		sources: make(map[string]struct{}),
	}

	b.loop.Post(func() { b.conns[c.id] = c })
	b.Log().Debug().Str("Method", "ServeHTTP").Str("ConnID", c.id).Str("Origin", c.origin).Int("TabID", c.tabID).Msg("page connected")

	go b.writePump(c)
	b.readPump(c)
}

func (b *Bridge) readPump(c *wsConn) {
	defer b.loop.Post(func() { b.disconnect(c) })

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.Log().Debug().Str("Method", "readPump").Str("ConnID", c.id).Err(err).Msg("read failed")
			}
			return
		}

		var req pageRequest
		if err := json.Unmarshal(data, &req); err != nil {
			b.loop.Post(func() { b.deliver(c, pageEvent{Type: "error", Error: "malformed frame"}) })
			continue
		}

		if !c.limiter.Allow() {
			b.loop.Post(func() { b.rejectRateLimited(c, req) })
			continue
		}

		b.loop.Post(func() { b.dispatch(c, req) })
	}
}

func (b *Bridge) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) dispatch(c *wsConn, req pageRequest) {
	if c.closed {
		return
	}

	switch req.Type {
	case "startObserving":
		b.startObserving(c, req.SourceID)
	case "stopObserving":
		b.stopObserving(c, req.SourceID)
	case "createRoute":
		id := b.track(b.requests, c, req.RequestID)
		b.provider.CreateRoute(req.SourceID, req.SinkID, req.PresentationID, c.origin, c.tabID, req.Incognito, id)
	case "joinRoute":
		id := b.track(b.requests, c, req.RequestID)
		b.provider.JoinRoute(req.SourceID, req.PresentationID, c.origin, c.tabID, id)
	case "closeRoute":
		if b.routes[req.RouteID] == c {
			b.provider.CloseRoute(req.RouteID)
		}
	case "detachRoute":
		if b.routes[req.RouteID] == c {
			b.forgetRoute(req.RouteID)
			b.provider.DetachRoute(req.RouteID)
		}
	case "sendMessage":
		if b.routes[req.RouteID] != c {
			b.deliver(c, pageEvent{Type: "messageSent", CallbackID: intPtr(req.CallbackID), Success: boolPtr(false)})
			return
		}
		id := b.track(b.callbacks, c, req.CallbackID)
		b.provider.SendStringMessage(req.RouteID, req.Message, id)
	default:
		b.deliver(c, pageEvent{Type: "error", Error: "unknown type " + req.Type})
	}
}

func (b *Bridge) rejectRateLimited(c *wsConn, req pageRequest) {
	ev := pageEvent{Type: "error", Error: "rate limited"}
	switch req.Type {
	case "createRoute", "joinRoute":
		ev = pageEvent{Type: "routeError", RequestID: intPtr(req.RequestID), Error: "rate limited"}
	case "sendMessage":
		ev = pageEvent{Type: "messageSent", CallbackID: intPtr(req.CallbackID), Success: boolPtr(false)}
	}
	b.deliver(c, ev)
}

func (b *Bridge) track(table map[int]pageRef, c *wsConn, pageID int) int {
	b.nextID++
	table[b.nextID] = pageRef{conn: c, id: pageID}
	return b.nextID
}

func (b *Bridge) startObserving(c *wsConn, sourceID string) {
	c.sources[sourceID] = struct{}{}
	set, ok := b.observers[sourceID]
	if !ok {
		set = make(map[*wsConn]struct{})
		b.observers[sourceID] = set
	}
	set[c] = struct{}{}
	// The provider answers with a snapshot even for an already observed source.
	b.provider.StartObservingMediaSinks(sourceID)
}

func (b *Bridge) stopObserving(c *wsConn, sourceID string) {
	delete(c.sources, sourceID)
	set, ok := b.observers[sourceID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(b.observers, sourceID)
		b.provider.StopObservingMediaSinks(sourceID)
	}
}

func (b *Bridge) forgetRoute(routeID string) {
	if c, ok := b.routes[routeID]; ok {
		delete(c.routes, routeID)
		delete(b.routes, routeID)
	}
}

// disconnect detaches every route of a closed page; the Cast session
// itself keeps running for the other pages.
func (b *Bridge) disconnect(c *wsConn) {
	if c.closed {
		return
	}
	c.closed = true
	delete(b.conns, c.id)

	for routeID := range c.routes {
		b.forgetRoute(routeID)
		b.provider.DetachRoute(routeID)
	}
	for sourceID := range c.sources {
		b.stopObserving(c, sourceID)
	}
	for id, ref := range b.requests {
		if ref.conn == c {
			delete(b.requests, id)
			b.departed[id] = struct{}{}
		}
	}
	for id, ref := range b.callbacks {
		if ref.conn == c {
			delete(b.callbacks, id)
		}
	}

	close(c.send)
	b.Log().Debug().Str("Method", "disconnect").Str("ConnID", c.id).Msg("page disconnected")
}

// CloseAll disconnects every page. http.Server.Shutdown does not track
// upgraded connections, so the server calls this before shutting down.
func (b *Bridge) CloseAll(ctx context.Context) error {
	return b.loop.Call(ctx, func() {
		for _, c := range b.conns {
			b.disconnect(c)
		}
	})
}

func (b *Bridge) deliver(c *wsConn, ev pageEvent) {
	if c == nil || c.closed {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.Log().Error().Str("Method", "deliver").Err(err).Msg("marshal failed")
		return
	}

	select {
	case c.send <- data:
	default:
		b.Log().Warn().Str("Method", "deliver").Str("ConnID", c.id).Str("Type", ev.Type).Msg("send buffer full, dropping event")
	}
}

func (b *Bridge) OnSinksReceived(sourceID string, sinks []mediarouter.MediaSink) {
	out := toSinkJSON(sinks)
	for c := range b.observers[sourceID] {
		b.deliver(c, pageEvent{Type: "sinks", SourceID: sourceID, Sinks: out})
	}
}

func (b *Bridge) OnRouteCreated(routeID, sinkID string, requestID int, _ *mediarouter.Provider, wasLaunched bool) {
	if _, ok := b.departed[requestID]; ok {
		delete(b.departed, requestID)
		b.Log().Debug().Str("Method", "OnRouteCreated").Str("RouteID", routeID).Msg("page left before route was created, detaching")
		b.provider.DetachRoute(routeID)
		return
	}

	ref, ok := b.requests[requestID]
	if !ok {
		return
	}
	delete(b.requests, requestID)

	if ref.conn.closed {
		b.provider.DetachRoute(routeID)
		return
	}

	b.routes[routeID] = ref.conn
	ref.conn.routes[routeID] = struct{}{}
	b.deliver(ref.conn, pageEvent{
		Type:        "routeCreated",
		RequestID:   intPtr(ref.id),
		RouteID:     routeID,
		SinkID:      sinkID,
		WasLaunched: wasLaunched,
	})
}

func (b *Bridge) OnRouteRequestError(message string, requestID int) {
	delete(b.departed, requestID)
	ref, ok := b.requests[requestID]
	if !ok {
		return
	}
	delete(b.requests, requestID)
	b.deliver(ref.conn, pageEvent{Type: "routeError", RequestID: intPtr(ref.id), Error: message})
}

func (b *Bridge) OnRouteClosed(routeID string) {
	c := b.routes[routeID]
	b.forgetRoute(routeID)
	b.deliver(c, pageEvent{Type: "routeClosed", RouteID: routeID})
}

func (b *Bridge) OnRouteClosedWithError(routeID, message string) {
	c := b.routes[routeID]
	b.forgetRoute(routeID)
	b.deliver(c, pageEvent{Type: "routeClosed", RouteID: routeID, Error: message})
}

func (b *Bridge) OnMessage(routeID, message string) {
	b.deliver(b.routes[routeID], pageEvent{Type: "message", RouteID: routeID, Message: message})
}

func (b *Bridge) OnMessageSentResult(success bool, callbackID int) {
	ref, ok := b.callbacks[callbackID]
	if !ok {
		return
	}
	delete(b.callbacks, callbackID)
	b.deliver(ref.conn, pageEvent{Type: "messageSent", CallbackID: intPtr(ref.id), Success: boolPtr(success)})
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
