package mediarouter

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AutoJoinPolicy decides whether a page may attach to a session that
// another page started.
type AutoJoinPolicy int

const (
	TabAndOriginScoped AutoJoinPolicy = iota
	OriginScoped
	PageScoped
)

func (p AutoJoinPolicy) String() string {
	switch p {
	case OriginScoped:
		return "origin_scoped"
	case PageScoped:
		return "page_scoped"
	default:
		return "tab_and_origin_scoped"
	}
}

func parseAutoJoinPolicy(s string) (AutoJoinPolicy, bool) {
	switch s {
	case "", "tab_and_origin_scoped":
		return TabAndOriginScoped, true
	case "origin_scoped":
		return OriginScoped, true
	case "page_scoped":
		return PageScoped, true
	}
	return TabAndOriginScoped, false
}

const (
	defaultLaunchTimeout = 30 * time.Second

	legacySourcePrefix = "https://google.com/cast#"
	castSourceScheme   = "cast"
)

// MediaSource is a parsed presentation request. It is immutable.
type MediaSource struct {
	sourceID       string
	applicationID  string
	clientID       string
	autoJoinPolicy AutoJoinPolicy
	capabilities   int
	launchTimeout  time.Duration
}

func (s MediaSource) SourceID() string               { return s.sourceID }
func (s MediaSource) ApplicationID() string          { return s.applicationID }
func (s MediaSource) AutoJoinPolicy() AutoJoinPolicy { return s.autoJoinPolicy }
func (s MediaSource) Capabilities() int              { return s.capabilities }
func (s MediaSource) LaunchTimeout() time.Duration   { return s.launchTimeout }

// ClientID returns the page-side client id. ok is false for
// browser-internal requests that have no page client.
func (s MediaSource) ClientID() (id string, ok bool) {
	return s.clientID, s.clientID != ""
}

// ParseMediaSource parses both the legacy fragment form
//
//	https://google.com/cast#__castAppId__=APPID(video_out)/__castClientId__=1
//
// and the cast: URN form
//
//	cast:APPID?clientId=1&autoJoinPolicy=origin_scoped
//
// ok is false when sourceID is not a supported Cast source.
func ParseMediaSource(sourceID string) (MediaSource, bool) {
	switch {
	case strings.HasPrefix(sourceID, legacySourcePrefix),
		strings.HasPrefix(sourceID, "https://www.google.com/cast#"):
		return parseLegacySource(sourceID)
	case strings.HasPrefix(sourceID, castSourceScheme+":"):
		return parseCastURN(sourceID)
	}
	return MediaSource{}, false
}

func parseLegacySource(sourceID string) (MediaSource, bool) {
	u, err := url.Parse(sourceID)
	if err != nil || u.Fragment == "" {
		return MediaSource{}, false
	}

	params := make(map[string]string)
	for _, part := range strings.Split(u.Fragment, "/") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.TrimSuffix(strings.TrimPrefix(key, "__cast"), "__")
		params[key] = value
	}

	return buildSource(sourceID, params["AppId"], params["ClientId"],
		params["AutoJoinPolicy"], "", params["LaunchTimeout"])
}

func parseCastURN(sourceID string) (MediaSource, bool) {
	rest := strings.TrimPrefix(sourceID, castSourceScheme+":")
	appID, rawQuery, _ := strings.Cut(rest, "?")

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return MediaSource{}, false
	}

	return buildSource(sourceID, appID, query.Get("clientId"),
		query.Get("autoJoinPolicy"), query.Get("capabilities"), query.Get("launchTimeout"))
}

func buildSource(sourceID, appID, clientID, policy, caps, launchTimeout string) (MediaSource, bool) {
	// APPID(video_out,audio_out)
	if open := strings.IndexByte(appID, '('); open >= 0 {
		if !strings.HasSuffix(appID, ")") || caps != "" {
			return MediaSource{}, false
		}
		caps = appID[open+1 : len(appID)-1]
		appID = appID[:open]
	}

	if !validApplicationID(appID) {
		return MediaSource{}, false
	}

	capabilities, ok := ParseCapabilities(caps)
	if !ok {
		return MediaSource{}, false
	}

	joinPolicy, ok := parseAutoJoinPolicy(policy)
	if !ok {
		return MediaSource{}, false
	}

	timeout := defaultLaunchTimeout
	if launchTimeout != "" {
		ms, err := strconv.Atoi(launchTimeout)
		if err != nil || ms <= 0 {
			return MediaSource{}, false
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	return MediaSource{
		sourceID:       sourceID,
		applicationID:  appID,
		clientID:       clientID,
		autoJoinPolicy: joinPolicy,
		capabilities:   capabilities,
		launchTimeout:  timeout,
	}, true
}

func validApplicationID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}
