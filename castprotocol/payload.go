package castprotocol

import (
	"sync"
	"sync/atomic"

	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

const (
	connectionNamespace = "urn:x-cast:com.google.cast.tp.connection"
	heartbeatNamespace  = "urn:x-cast:com.google.cast.tp.heartbeat"

	receiverID      = "receiver-0"
	defaultSenderID = "sender-0"
	defaultCastPort = 8009
)

// Request ID counter for receiver namespace messages
var requestIDCounter int32

func nextRequestID() int {
	return int(atomic.AddInt32(&requestIDCounter, 1))
}

// Conn is the subset of cast.Conn used by the launcher and sessions.
// *cast.Connection satisfies it.
type Conn interface {
	Start(addr string, port int) error
	MsgChan() chan *pb.CastMessage
	Close() error
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
}

var _ Conn = (*cast.Connection)(nil)

type launchPayload struct {
	cast.PayloadHeader
	AppID string `json:"appId"`
}

type stopPayload struct {
	cast.PayloadHeader
	SessionID string `json:"sessionId"`
}

// volumeChange only carries the fields that should change.
type volumeChange struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

type setVolumePayload struct {
	cast.PayloadHeader
	Volume volumeChange `json:"volume"`
}

// rawPayload forwards a page message as is. Page messages already carry
// their requestId, so SetRequestId does nothing. Marshalling fails for
// anything that is not valid JSON.
type rawPayload string

func (rawPayload) SetRequestId(int) {}

func (p rawPayload) MarshalJSON() ([]byte, error) {
	return []byte(p), nil
}

var (
	_ cast.Payload = (*launchPayload)(nil)
	_ cast.Payload = (*stopPayload)(nil)
	_ cast.Payload = (*setVolumePayload)(nil)
	_ cast.Payload = rawPayload("")
)

// channel serializes writes on a connection shared by the reader goroutine
// and the provider loop.
type channel struct {
	conn Conn
	mu   sync.Mutex
}

func (c *channel) send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Send(requestID, payload, sourceID, destinationID, namespace)
}

func (c *channel) connect(sourceID, destinationID string) error {
	header := cast.ConnectHeader
	return c.send(0, &header, sourceID, destinationID, connectionNamespace)
}

func (c *channel) closeVirtual(sourceID, destinationID string) error {
	header := cast.CloseHeader
	return c.send(0, &header, sourceID, destinationID, connectionNamespace)
}

// pong answers a heartbeat PING on the virtual connection it came from.
func (c *channel) pong(msg *pb.CastMessage) error {
	header := cast.PongHeader
	return c.send(0, &header, msg.GetDestinationId(), msg.GetSourceId(), heartbeatNamespace)
}
