package mediarouter

import "time"

const (
	// AutoJoinPresentationID asks the provider to resolve the session from
	// the source's auto-join policy.
	AutoJoinPresentationID = "auto-join"
	// SessionPresentationIDPrefix addresses a live session by its id.
	SessionPresentationIDPrefix = "cast-session_"

	invalidSequenceNumber = -1
)

// MediaRoute is one page-to-device association.
type MediaRoute struct {
	ID             string
	SinkID         string
	SourceID       string
	PresentationID string
}

func newMediaRoute(sinkID, sourceID, presentationID string) *MediaRoute {
	return &MediaRoute{
		ID:             "route:" + presentationID + "/" + sinkID + "/" + sourceID,
		SinkID:         sinkID,
		SourceID:       sourceID,
		PresentationID: presentationID,
	}
}

// ClientRecord is the state kept for a page-side client attached to a
// route. Messages addressed to a client that has not sent client_connect
// yet are held in PendingMessages.
type ClientRecord struct {
	RouteID        string
	ClientID       string
	AppID          string
	AutoJoinPolicy AutoJoinPolicy
	Origin         string
	TabID          int

	IsConnected     bool
	PendingMessages []string
}

func (c *ClientRecord) enqueue(message string) {
	c.PendingMessages = append(c.PendingMessages, message)
}

// takePending returns the queued messages in arrival order and empties the
// queue.
func (c *ClientRecord) takePending() []string {
	out := c.PendingMessages
	c.PendingMessages = nil
	return out
}

// sharesAutoJoinScope reports whether other would auto-join the session c
// belongs to.
func (c *ClientRecord) sharesAutoJoinScope(other *ClientRecord) bool {
	switch c.AutoJoinPolicy {
	case OriginScoped:
		return c.Origin == other.Origin
	case TabAndOriginScoped:
		return c.Origin == other.Origin && c.TabID == other.TabID
	}
	return false
}

// RequestRecord correlates a native request id with the client command
// that caused it.
type RequestRecord struct {
	ClientID       string
	SequenceNumber int
	Deadline       time.Time
}

func (r *RequestRecord) expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// CreateRouteRequest is a validated createRoute call waiting for a session
// launch.
type CreateRouteRequest struct {
	Source         MediaSource
	Sink           MediaSink
	PresentationID string
	Origin         string
	TabID          int
	IsIncognito    bool
	RequestID      int
}
