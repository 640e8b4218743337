package mediarouter

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultSweepInterval  = 5 * time.Second
)

// Provider owns the single Cast session, maps routes and page clients onto
// it and bridges sink discovery to the hosting application.
// It is not safe for concurrent use; every method runs on its Runner.
type Provider struct {
	runner    Runner
	discovery SinkService
	launcher  SessionLauncher
	manager   RouteManager
	handler   *Handler
	metrics   *Metrics

	session   CastSession
	launching *CreateRouteRequest
	pending   *CreateRouteRequest

	routes     map[string]*MediaRoute
	routeOrder []string
	clients    []*ClientRecord
	// lastRemoved lets a reloaded page auto-join the session it left.
	lastRemoved *ClientRecord

	discoveryCallbacks map[string]*discoveryCallback

	requestTimeout time.Duration
	sweepInterval  time.Duration
	now            func() time.Time

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// Option configures a Provider.
type Option func(*Provider)

// WithMetrics records provider activity on m.
func WithMetrics(m *Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithRequestTimeout sets the deadline of native requests whose envelope
// carries no timeoutMillis.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.requestTimeout = d
		}
	}
}

// WithSweepInterval sets how often expired requests are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now for request deadlines.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the provider logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.Logger = l }
}

// NewProvider constructor generates a Provider owned by runner. Every
// method, and every callback into manager, runs on the runner's goroutine.
func NewProvider(runner Runner, discovery SinkService, launcher SessionLauncher, manager RouteManager, opts ...Option) *Provider {
	p := &Provider{
		runner:             runner,
		discovery:          discovery,
		launcher:           launcher,
		manager:            manager,
		routes:             make(map[string]*MediaRoute),
		discoveryCallbacks: make(map[string]*discoveryCallback),
		requestTimeout:     defaultRequestTimeout,
		sweepInterval:      defaultSweepInterval,
		now:                time.Now,
	}
	p.handler = newHandler(p)

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (p *Provider) Log() *zerolog.Logger {
	if p.LogOutput != nil {
		p.initLogOnce.Do(func() {
			p.Logger = zerolog.New(p.LogOutput).With().Timestamp().Str("Component", "provider").Logger()
		})
	}
	return &p.Logger
}

// RunSweeper periodically posts request expiry onto the runner until ctx is
// canceled.
func (p *Provider) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runner.Post(p.ExpireRequests)
		}
	}
}

// ExpireRequests drops native request records past their deadline.
func (p *Provider) ExpireRequests() {
	if n := p.handler.expireRequests(p.now()); n > 0 {
		p.Log().Debug().Str("Method", "ExpireRequests").Int("Expired", n).Msg("dropped stale requests")
	}
}

// Session returns the active session, or nil.
func (p *Provider) Session() CastSession {
	return p.session
}

// Routes returns the registered routes in creation order.
func (p *Provider) Routes() []MediaRoute {
	out := make([]MediaRoute, 0, len(p.routeOrder))
	for _, id := range p.routeOrder {
		out = append(out, *p.routes[id])
	}
	return out
}

// ClientRecords returns copies of the client records in registration order.
func (p *Provider) ClientRecords() []ClientRecord {
	out := make([]ClientRecord, 0, len(p.clients))
	for _, c := range p.clients {
		cp := *c
		cp.PendingMessages = append([]string(nil), c.PendingMessages...)
		out = append(out, cp)
	}
	return out
}

// StartObservingMediaSinks subscribes sourceID to sink updates. Sources
// sharing an application id share one discovery subscription.
func (p *Provider) StartObservingMediaSinks(sourceID string) {
	source, ok := ParseMediaSource(sourceID)
	if !ok {
		p.Log().Debug().Str("Method", "StartObservingMediaSinks").Str("SourceID", sourceID).Msg("unsupported source")
		p.runner.Post(func() { p.manager.OnSinksReceived(sourceID, []MediaSink{}) })
		return
	}

	appID := source.ApplicationID()
	if cb, ok := p.discoveryCallbacks[appID]; ok {
		cb.addSource(sourceID)
		sinks := cb.snapshot()
		p.runner.Post(func() { p.onSinksReceived(sourceID, sinks) })
		return
	}

	cb := &discoveryCallback{
		appID:        appID,
		capabilities: source.Capabilities(),
	}
	cb.addSource(sourceID)
	cb.sinks = cb.filter(p.discovery.Sinks())
	cb.unsubscribe = p.discovery.Subscribe(func() {
		p.runner.Post(func() { p.onSinksChanged(cb) })
	})
	p.discoveryCallbacks[appID] = cb

	p.Log().Debug().Str("Method", "StartObservingMediaSinks").Str("AppID", appID).Msg("discovery subscription added")

	sinks := cb.snapshot()
	p.runner.Post(func() { p.onSinksReceived(sourceID, sinks) })
}

// StopObservingMediaSinks removes sourceID; the discovery subscription is
// dropped with the last source of its application id.
func (p *Provider) StopObservingMediaSinks(sourceID string) {
	source, ok := ParseMediaSource(sourceID)
	if !ok {
		return
	}

	cb, ok := p.discoveryCallbacks[source.ApplicationID()]
	if !ok {
		return
	}

	cb.removeSource(sourceID)
	if !cb.empty() {
		return
	}

	cb.unsubscribe()
	delete(p.discoveryCallbacks, cb.appID)
	p.Log().Debug().Str("Method", "StopObservingMediaSinks").Str("AppID", cb.appID).Msg("discovery subscription removed")
}

func (p *Provider) onSinksChanged(cb *discoveryCallback) {
	if p.discoveryCallbacks[cb.appID] != cb {
		return
	}

	sinks := cb.filter(p.discovery.Sinks())
	if sinksEqual(sinks, cb.sinks) {
		return
	}
	cb.sinks = sinks

	for _, sourceID := range cb.sourceIDs {
		p.onSinksReceived(sourceID, cb.snapshot())
	}
}

func (p *Provider) onSinksReceived(sourceID string, sinks []MediaSink) {
	p.manager.OnSinksReceived(sourceID, sinks)
}

// CreateRoute launches the application of sourceID on sinkID. A running
// session is stopped first and the request waits in the pending slot.
func (p *Provider) CreateRoute(sourceID, sinkID, presentationID, origin string, tabID int, isIncognito bool, requestID int) {
	sink, ok := p.discovery.Sink(sinkID)
	if !ok {
		p.routeRequestError("No sink", "no_sink", requestID)
		return
	}

	source, ok := ParseMediaSource(sourceID)
	if !ok {
		p.routeRequestError("Unsupported presentation URL", "unsupported_source", requestID)
		return
	}

	req := &CreateRouteRequest{
		Source:         source,
		Sink:           sink,
		PresentationID: presentationID,
		Origin:         origin,
		TabID:          tabID,
		IsIncognito:    isIncognito,
		RequestID:      requestID,
	}

	if p.session == nil && p.launching == nil {
		p.startLaunch(req)
		return
	}

	if prev := p.pending; prev != nil {
		p.Log().Debug().Str("Method", "CreateRoute").Int("Superseded", prev.RequestID).Int("RequestID", requestID).Msg("replacing pending request")
		p.routeRequestError("Route request superseded", "superseded", prev.RequestID)
	}
	p.pending = req

	if p.session != nil {
		p.session.StopApplication()
	}
}

func (p *Provider) startLaunch(req *CreateRouteRequest) {
	p.launching = req
	p.discovery.SelectRoute(req.Sink.ID)
	p.Log().Debug().Str("Method", "startLaunch").Str("SinkID", req.Sink.ID).
		Str("AppID", req.Source.ApplicationID()).Int("RequestID", req.RequestID).Msg("launching session")
	p.launcher.LaunchSession(req, p)
}

// JoinRoute attaches a page client to the running session.
func (p *Provider) JoinRoute(sourceID, presentationID, origin string, tabID int, requestID int) {
	source, ok := ParseMediaSource(sourceID)
	if !ok {
		p.routeRequestError("Unsupported presentation URL", "unsupported_source", requestID)
		return
	}
	if _, ok := source.ClientID(); !ok {
		p.routeRequestError("Unsupported presentation URL", "unsupported_source", requestID)
		return
	}

	if p.session == nil {
		p.routeRequestError("No presentation", "no_presentation", requestID)
		return
	}

	if !p.canJoinExistingSession(presentationID, origin, tabID, source) {
		p.routeRequestError("No matching route", "no_matching_route", requestID)
		return
	}

	route := newMediaRoute(p.session.SinkID(), sourceID, presentationID)
	p.addRoute(route, origin, tabID)
	if m := p.metrics; m != nil {
		m.RoutesCreated.WithLabelValues("joined").Inc()
	}
	p.manager.OnRouteCreated(route.ID, route.SinkID, requestID, p, false)
}

func (p *Provider) canJoinExistingSession(presentationID, origin string, tabID int, source MediaSource) bool {
	if presentationID == AutoJoinPresentationID {
		return p.canAutoJoin(source, origin, tabID)
	}

	if sessionID, ok := strings.CutPrefix(presentationID, SessionPresentationIDPrefix); ok {
		return sessionID != "" && sessionID == p.session.SessionID()
	}

	for _, id := range p.routeOrder {
		if p.routes[id].PresentationID == presentationID {
			return true
		}
	}
	return false
}

func (p *Provider) canAutoJoin(source MediaSource, origin string, tabID int) bool {
	if source.AutoJoinPolicy() == PageScoped {
		return false
	}
	if p.session == nil || source.ApplicationID() != p.session.AppID() {
		return false
	}

	client := p.autoJoinReference()
	if client == nil {
		return false
	}

	switch source.AutoJoinPolicy() {
	case OriginScoped:
		return client.Origin == origin
	case TabAndOriginScoped:
		return client.Origin == origin && client.TabID == tabID
	}
	return false
}

// autoJoinReference picks the client auto-join compares against: a
// connected one, then any registered one, then the last one removed.
func (p *Provider) autoJoinReference() *ClientRecord {
	for _, c := range p.clients {
		if c.IsConnected {
			return c
		}
	}
	if len(p.clients) > 0 {
		return p.clients[0]
	}
	return p.lastRemoved
}

// CloseRoute asks the session to stop. Bookkeeping is cleared when the
// session reports that it closed.
func (p *Provider) CloseRoute(routeID string) {
	if _, ok := p.routes[routeID]; !ok {
		return
	}

	if p.session == nil {
		p.removeRoute(routeID)
		p.removeClient(p.clientRecordByRoute(routeID))
		p.manager.OnRouteClosed(routeID)
		return
	}

	if client := p.clientRecordByRoute(routeID); client != nil {
		if sink, ok := p.discovery.Sink(p.session.SinkID()); ok {
			p.handler.sendReceiverAction(client.ClientID, sink, "stop")
		}
	}
	p.session.StopApplication()
}

// DetachRoute forgets routeID locally and leaves the session running.
func (p *Provider) DetachRoute(routeID string) {
	if _, ok := p.routes[routeID]; !ok {
		return
	}
	client := p.clientRecordByRoute(routeID)
	p.removeRoute(routeID)
	p.removeClient(client)
}

// SendStringMessage forwards a page message to the message handler.
func (p *Provider) SendStringMessage(routeID, message string, callbackID int) {
	if _, ok := p.routes[routeID]; !ok || p.session == nil || p.session.IsAPIClientInvalid() {
		p.manager.OnMessageSentResult(false, callbackID)
		return
	}

	ok := p.handler.HandleMessageFromClient(message)
	p.manager.OnMessageSentResult(ok, callbackID)
}

// SendBinaryMessage always fails: Cast has no binary channel for pages.
func (p *Provider) SendBinaryMessage(routeID string, data []byte, callbackID int) {
	p.manager.OnMessageSentResult(false, callbackID)
}

// OnSessionCreated implements SessionListener.
func (p *Provider) OnSessionCreated(req *CreateRouteRequest, session CastSession) {
	if req != p.launching {
		p.Log().Warn().Str("Method", "OnSessionCreated").Str("SessionID", session.SessionID()).Msg("stopping session of an abandoned launch")
		session.StopApplication()
		return
	}
	p.launching = nil

	p.session = session
	p.handler.setSession(session)
	if m := p.metrics; m != nil {
		m.SessionsActive.Set(1)
		m.RoutesCreated.WithLabelValues("launched").Inc()
	}
	p.Log().Info().Str("Method", "OnSessionCreated").Str("SessionID", session.SessionID()).
		Str("SinkID", session.SinkID()).Str("AppID", session.AppID()).Msg("session created")

	route := newMediaRoute(req.Sink.ID, req.Source.SourceID(), req.PresentationID)
	p.addRoute(route, req.Origin, req.TabID)
	p.manager.OnRouteCreated(route.ID, route.SinkID, req.RequestID, p, true)

	if clientID, ok := req.Source.ClientID(); ok {
		if client := p.clientRecord(clientID); client != nil {
			p.handler.sendReceiverAction(client.ClientID, req.Sink, "cast")
		}
	}

	if p.pending != nil {
		session.StopApplication()
	}
}

// OnLaunchError implements SessionListener.
func (p *Provider) OnLaunchError(req *CreateRouteRequest, err error) {
	if req != p.launching {
		return
	}
	p.launching = nil

	p.Log().Error().Str("Method", "OnLaunchError").Str("SinkID", req.Sink.ID).Err(err).Msg("launch failed")
	p.routeRequestError("Launch error: "+err.Error(), "launch_error", req.RequestID)

	for _, id := range p.routeOrder {
		p.manager.OnRouteClosedWithError(id, "Launch error")
	}
	p.clearRoutes()

	p.startPendingOrReleaseSink()
}

// OnSessionClosed implements SessionListener.
func (p *Provider) OnSessionClosed(session CastSession) {
	if session == nil || session != p.session {
		return
	}

	p.Log().Info().Str("Method", "OnSessionClosed").Str("SessionID", session.SessionID()).Msg("session closed")
	p.handler.onApplicationStopped()

	for _, id := range p.routeOrder {
		p.manager.OnRouteClosed(id)
	}
	p.clearRoutes()
	p.handler.reset()
	p.session = nil
	if m := p.metrics; m != nil {
		m.SessionsActive.Set(0)
	}

	p.startPendingOrReleaseSink()
}

// OnSessionStopAction handles a stop requested outside of any page, e.g.
// from the host's notification.
func (p *Provider) OnSessionStopAction() {
	if p.session == nil {
		return
	}
	for _, id := range append([]string(nil), p.routeOrder...) {
		p.CloseRoute(id)
	}
	// A session without routes still has to go.
	p.session.StopApplication()
}

// OnMessageReceived implements SessionListener.
func (p *Provider) OnMessageReceived(session CastSession, namespace, message string) {
	if session == nil || session != p.session {
		return
	}
	if namespace == MediaNamespace {
		p.handler.onMediaMessage(message)
		return
	}
	p.handler.onAppMessage(namespace, message)
}

// OnVolumeChanged implements SessionListener.
func (p *Provider) OnVolumeChanged(session CastSession) {
	if session == nil || session != p.session {
		return
	}
	p.handler.onVolumeChanged()
}

func (p *Provider) startPendingOrReleaseSink() {
	if next := p.pending; next != nil {
		p.pending = nil
		p.startLaunch(next)
		return
	}
	p.discovery.SelectDefaultRoute()
}

func (p *Provider) routeRequestError(message, reason string, requestID int) {
	if m := p.metrics; m != nil {
		m.RouteErrors.WithLabelValues(reason).Inc()
	}
	p.manager.OnRouteRequestError(message, requestID)
}

func (p *Provider) addRoute(route *MediaRoute, origin string, tabID int) {
	if _, ok := p.routes[route.ID]; !ok {
		p.routeOrder = append(p.routeOrder, route.ID)
	}
	p.routes[route.ID] = route
	p.updateRouteGauge()

	source, ok := ParseMediaSource(route.SourceID)
	if !ok {
		return
	}
	clientID, ok := source.ClientID()
	if !ok {
		return
	}
	if client := p.clientRecord(clientID); client != nil {
		if client.RouteID != route.ID {
			p.moveClient(client, route.ID, origin, tabID)
		}
		return
	}

	p.clients = append(p.clients, &ClientRecord{
		RouteID:        route.ID,
		ClientID:       clientID,
		AppID:          source.ApplicationID(),
		AutoJoinPolicy: source.AutoJoinPolicy(),
		Origin:         origin,
		TabID:          tabID,
	})
}

// moveClient hands an existing client record to the route a page joined
// again with the same client id. The superseded route is closed.
func (p *Provider) moveClient(client *ClientRecord, routeID, origin string, tabID int) {
	previous := client.RouteID
	client.RouteID = routeID
	client.Origin = origin
	client.TabID = tabID
	client.IsConnected = false

	p.Log().Debug().Str("Method", "moveClient").Str("ClientID", client.ClientID).
		Str("From", previous).Str("To", routeID).Msg("client joined again")
	p.removeRoute(previous)
	p.manager.OnRouteClosed(previous)
}

func (p *Provider) removeRoute(routeID string) {
	if _, ok := p.routes[routeID]; !ok {
		return
	}
	delete(p.routes, routeID)
	for i, id := range p.routeOrder {
		if id == routeID {
			p.routeOrder = append(p.routeOrder[:i], p.routeOrder[i+1:]...)
			break
		}
	}
	p.updateRouteGauge()
}

func (p *Provider) removeClient(client *ClientRecord) {
	if client == nil {
		return
	}
	p.lastRemoved = client
	for i, c := range p.clients {
		if c == client {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			return
		}
	}
}

func (p *Provider) clearRoutes() {
	p.routes = make(map[string]*MediaRoute)
	p.routeOrder = nil
	p.clients = nil
	p.updateRouteGauge()
}

// onClientRouteClosed removes client and its route and tells the host.
func (p *Provider) onClientRouteClosed(client *ClientRecord) {
	p.removeRoute(client.RouteID)
	p.removeClient(client)
	p.manager.OnRouteClosed(client.RouteID)
}

// onMessage delivers a message to a client, or queues it until the client
// connects.
func (p *Provider) onMessage(clientID, message string) {
	client := p.clientRecord(clientID)
	if client == nil {
		return
	}
	if !client.IsConnected {
		client.enqueue(message)
		if m := p.metrics; m != nil {
			m.QueuedMessages.Inc()
		}
		return
	}
	p.manager.OnMessage(client.RouteID, message)
}

func (p *Provider) clientRecord(clientID string) *ClientRecord {
	for _, c := range p.clients {
		if c.ClientID == clientID {
			return c
		}
	}
	return nil
}

func (p *Provider) clientRecordByRoute(routeID string) *ClientRecord {
	for _, c := range p.clients {
		if c.RouteID == routeID {
			return c
		}
	}
	return nil
}

func (p *Provider) clientRecords() []*ClientRecord {
	return append([]*ClientRecord(nil), p.clients...)
}

func (p *Provider) deadline(timeoutMillis int) time.Time {
	d := p.requestTimeout
	if timeoutMillis > 0 {
		d = time.Duration(timeoutMillis) * time.Millisecond
	}
	return p.now().Add(d)
}

func (p *Provider) updateRouteGauge() {
	if m := p.metrics; m != nil {
		m.RoutesActive.Set(float64(len(p.routeOrder)))
	}
}

// discoveryCallback is the single discovery subscription shared by every
// observed source of one application id.
type discoveryCallback struct {
	appID        string
	capabilities int
	sourceIDs    []string
	sinks        []MediaSink
	unsubscribe  func()
}

func (cb *discoveryCallback) addSource(sourceID string) {
	for _, id := range cb.sourceIDs {
		if id == sourceID {
			return
		}
	}
	cb.sourceIDs = append(cb.sourceIDs, sourceID)
}

func (cb *discoveryCallback) removeSource(sourceID string) {
	for i, id := range cb.sourceIDs {
		if id == sourceID {
			cb.sourceIDs = append(cb.sourceIDs[:i], cb.sourceIDs[i+1:]...)
			return
		}
	}
}

func (cb *discoveryCallback) empty() bool {
	return len(cb.sourceIDs) == 0
}

func (cb *discoveryCallback) filter(all []MediaSink) []MediaSink {
	out := make([]MediaSink, 0, len(all))
	for _, s := range all {
		if s.Supports(cb.capabilities) {
			out = append(out, s)
		}
	}
	return out
}

func (cb *discoveryCallback) snapshot() []MediaSink {
	return append([]MediaSink{}, cb.sinks...)
}
