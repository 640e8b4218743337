package mediarouter

const (
	MediaNamespace    = "urn:x-cast:com.google.cast.media"
	ReceiverNamespace = "urn:x-cast:com.google.cast.receiver"
)

// VolumeRequest is the "volume" object of a SET_VOLUME command. Nil fields
// are left unchanged.
type VolumeRequest struct {
	Level *float64 `json:"level"`
	Muted *bool    `json:"muted"`
}

// VolumeResult tells the handler how to acknowledge a SET_VOLUME command.
type VolumeResult struct {
	Succeeded                 bool
	ShouldWaitForVolumeChange bool
}

type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

type ReceiverInfo struct {
	Label         string   `json:"label"`
	FriendlyName  string   `json:"friendlyName"`
	Capabilities  []string `json:"capabilities"`
	Volume        *Volume  `json:"volume"`
	IsActiveInput *bool    `json:"isActiveInput"`
	DisplayStatus any      `json:"displayStatus"`
	ReceiverType  string   `json:"receiverType"`
}

type NamespaceInfo struct {
	Name string `json:"name"`
}

// SessionInfo is the session description sent to pages in new_session and
// update_session messages.
type SessionInfo struct {
	SessionID   string          `json:"sessionId"`
	StatusText  string          `json:"statusText"`
	Receiver    ReceiverInfo    `json:"receiver"`
	Namespaces  []NamespaceInfo `json:"namespaces"`
	Media       []any           `json:"media"`
	Status      string          `json:"status"`
	TransportID string          `json:"transportId"`
	AppID       string          `json:"appId"`
	DisplayName string          `json:"displayName"`
	AppImages   []any           `json:"appImages"`
}

// CastSession is the native connection to a running receiver application.
// StopApplication must be idempotent; the provider learns about the actual
// teardown from SessionListener.OnSessionClosed.
type CastSession interface {
	SessionID() string
	SinkID() string
	AppID() string
	Namespaces() []string
	Info() SessionInfo
	IsAPIClientInvalid() bool

	SendStringCastMessage(message, namespace, clientID string, sequenceNumber int) bool
	HandleVolumeMessage(volume VolumeRequest, clientID string, sequenceNumber int) VolumeResult
	StopApplication()
	OnClientConnected(clientID string)
}

// SessionListener receives native events. Implementations of the native
// layer must deliver every call through the provider's Runner.
type SessionListener interface {
	OnSessionCreated(req *CreateRouteRequest, session CastSession)
	OnLaunchError(req *CreateRouteRequest, err error)
	OnSessionClosed(session CastSession)
	OnMessageReceived(session CastSession, namespace, message string)
	OnVolumeChanged(session CastSession)
}

// SessionLauncher starts a receiver application on a sink. The result is
// reported asynchronously through listener.
type SessionLauncher interface {
	LaunchSession(req *CreateRouteRequest, listener SessionListener)
}

// SinkService is the discovery service the provider observes.
// Subscribe may invoke fn from any goroutine.
type SinkService interface {
	Sinks() []MediaSink
	Sink(id string) (MediaSink, bool)
	Subscribe(fn func()) (unsubscribe func())
	SelectRoute(sinkID string)
	SelectDefaultRoute()
}

// RouteManager is the hosting application. All calls happen on the
// provider's Runner.
type RouteManager interface {
	OnSinksReceived(sourceID string, sinks []MediaSink)
	OnRouteCreated(routeID, sinkID string, requestID int, provider *Provider, wasLaunched bool)
	OnRouteRequestError(message string, requestID int)
	OnRouteClosed(routeID string)
	OnRouteClosedWithError(routeID, message string)
	OnMessage(routeID, message string)
	OnMessageSentResult(success bool, callbackID int)
}
