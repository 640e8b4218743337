package mediarouter

import (
	"testing"
	"time"
)

func TestParseMediaSource(t *testing.T) {
	tests := []struct {
		name     string
		sourceID string
		ok       bool
		appID    string
		clientID string
		policy   AutoJoinPolicy
		caps     int
		timeout  time.Duration
	}{
		{
			name:     "legacy form with capabilities",
			sourceID: "https://google.com/cast#__castAppId__=CC1AD845(video_out,audio_out)/__castClientId__=1234/__castAutoJoinPolicy__=origin_scoped/__castLaunchTimeout__=10000",
			ok:       true,
			appID:    "CC1AD845",
			clientID: "1234",
			policy:   OriginScoped,
			caps:     CapabilityVideoOut | CapabilityAudioOut,
			timeout:  10 * time.Second,
		},
		{
			name:     "legacy form without client",
			sourceID: "https://google.com/cast#__castAppId__=CC1AD845",
			ok:       true,
			appID:    "CC1AD845",
			policy:   TabAndOriginScoped,
			timeout:  defaultLaunchTimeout,
		},
		{
			name:     "cast urn",
			sourceID: "cast:233637DE?clientId=abc&autoJoinPolicy=page_scoped&capabilities=audio_out",
			ok:       true,
			appID:    "233637DE",
			clientID: "abc",
			policy:   PageScoped,
			caps:     CapabilityAudioOut,
			timeout:  defaultLaunchTimeout,
		},
		{
			name:     "unknown policy",
			sourceID: "cast:233637DE?autoJoinPolicy=everyone",
		},
		{
			name:     "unknown capability",
			sourceID: "cast:233637DE?capabilities=smell_out",
		},
		{
			name:     "empty app id",
			sourceID: "cast:?clientId=1",
		},
		{
			name:     "bad launch timeout",
			sourceID: "cast:233637DE?launchTimeout=-1",
		},
		{
			name:     "not a cast source",
			sourceID: "https://example.com/presentation.html",
		},
		{
			name:     "unclosed capability list",
			sourceID: "https://google.com/cast#__castAppId__=CC1AD845(video_out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMediaSource(tt.sourceID)
			if ok != tt.ok {
				t.Fatalf("ParseMediaSource(%q) ok = %v, want %v", tt.sourceID, ok, tt.ok)
			}
			if !ok {
				return
			}

			if got.ApplicationID() != tt.appID {
				t.Fatalf("ApplicationID() = %q, want %q", got.ApplicationID(), tt.appID)
			}
			clientID, hasClient := got.ClientID()
			if clientID != tt.clientID || hasClient != (tt.clientID != "") {
				t.Fatalf("ClientID() = %q, %v, want %q", clientID, hasClient, tt.clientID)
			}
			if got.AutoJoinPolicy() != tt.policy {
				t.Fatalf("AutoJoinPolicy() = %v, want %v", got.AutoJoinPolicy(), tt.policy)
			}
			if got.Capabilities() != tt.caps {
				t.Fatalf("Capabilities() = %b, want %b", got.Capabilities(), tt.caps)
			}
			if got.LaunchTimeout() != tt.timeout {
				t.Fatalf("LaunchTimeout() = %v, want %v", got.LaunchTimeout(), tt.timeout)
			}
			if got.SourceID() != tt.sourceID {
				t.Fatalf("SourceID() = %q, want %q", got.SourceID(), tt.sourceID)
			}
		})
	}
}

func TestCapabilityNamesRoundTrip(t *testing.T) {
	caps := CapabilityVideoOut | CapabilityAudioOut | CapabilityMultizoneGroup
	names := CapabilityNames(caps)

	want := []string{"video_out", "audio_out", "multizone_group"}
	if len(names) != len(want) {
		t.Fatalf("CapabilityNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("CapabilityNames() = %v, want %v", names, want)
		}
	}

	back, ok := ParseCapabilities("video_out, audio_out,multizone_group")
	if !ok || back != caps {
		t.Fatalf("ParseCapabilities() = %b, %v, want %b", back, ok, caps)
	}
}

func TestMediaSinkEqual(t *testing.T) {
	a := MediaSink{ID: "1", Name: "TV", Device: Device{Host: "10.0.0.1"}}
	b := MediaSink{ID: "1", Name: "TV", Device: Device{Host: "10.0.0.9"}}
	c := MediaSink{ID: "1", Name: "Kitchen"}

	if !a.Equal(b) {
		t.Fatalf("sinks with same id and name should be equal")
	}
	if a.Equal(c) {
		t.Fatalf("sinks with different names should differ")
	}
}
