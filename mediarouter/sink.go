package mediarouter

import "strings"

// Device capability bits, as advertised in the "ca" TXT record of a
// _googlecast._tcp service.
const (
	CapabilityVideoOut       = 1 << 0
	CapabilityVideoIn        = 1 << 1
	CapabilityAudioOut       = 1 << 2
	CapabilityAudioIn        = 1 << 3
	CapabilityMultizoneGroup = 1 << 4
)

var capabilityNames = []struct {
	bit  int
	name string
}{
	{CapabilityVideoOut, "video_out"},
	{CapabilityVideoIn, "video_in"},
	{CapabilityAudioOut, "audio_out"},
	{CapabilityAudioIn, "audio_in"},
	{CapabilityMultizoneGroup, "multizone_group"},
}

// Device is the opaque handle the native layer needs to reach a sink.
type Device struct {
	Host         string
	Port         int
	Capabilities int
	Model        string
	BuildVersion string
}

// MediaSink is a discoverable Cast receiver.
type MediaSink struct {
	ID     string
	Name   string
	Device Device
}

// Equal reports whether both sinks describe the same receiver under the
// same display name.
func (s MediaSink) Equal(o MediaSink) bool {
	return s.ID == o.ID && s.Name == o.Name
}

// Supports reports whether the sink advertises every bit in caps.
func (s MediaSink) Supports(caps int) bool {
	return s.Device.Capabilities&caps == caps
}

// CapabilityNames expands a capability bitmask into the names used on the
// page protocol.
func CapabilityNames(caps int) []string {
	out := make([]string, 0, len(capabilityNames))
	for _, c := range capabilityNames {
		if caps&c.bit != 0 {
			out = append(out, c.name)
		}
	}
	return out
}

// ParseCapabilities is the inverse of CapabilityNames. Unknown names make
// the whole list invalid.
func ParseCapabilities(list string) (int, bool) {
	caps := 0
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		found := false
		for _, c := range capabilityNames {
			if c.name == name {
				caps |= c.bit
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return caps, true
}

func sinksEqual(a, b []MediaSink) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
