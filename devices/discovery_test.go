package devices

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go2tv.app/castrouter/mediarouter"
)

func castEntry(instance, ip string, txt ...string) *mdns.ServiceEntry {
	return &mdns.ServiceEntry{
		Name:       instance + "._googlecast._tcp.local.",
		AddrV4:     net.ParseIP(ip),
		Port:       8009,
		InfoFields: txt,
	}
}

func TestSinkFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  mediarouter.MediaSink
		ok    bool
	}{
		{
			name:  "full txt record",
			entry: castEntry("Chromecast-abc", "10.0.0.2", "id=abc", "fn=Living Room", "md=Chromecast", "ca=4101"),
			want: mediarouter.MediaSink{
				ID:   "abc",
				Name: "Living Room",
				Device: mediarouter.Device{
					Host: "10.0.0.2", Port: 8009, Capabilities: 4101, Model: "Chromecast",
				},
			},
			ok: true,
		},
		{
			name:  "missing id and name fall back to instance",
			entry: castEntry("Speaker-1", "10.0.0.3", "ca=bogus", "junk"),
			want: mediarouter.MediaSink{
				ID:     "Speaker-1",
				Name:   "Speaker-1",
				Device: mediarouter.Device{Host: "10.0.0.3", Port: 8009},
			},
			ok: true,
		},
		{
			name:  "no ipv4 address",
			entry: &mdns.ServiceEntry{Name: "x._googlecast._tcp.local."},
		},
		{
			name:  "other service",
			entry: &mdns.ServiceEntry{Name: "printer._ipp._tcp.local.", AddrV4: net.ParseIP("10.0.0.4")},
		},
		{
			name: "nil entry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sinkFromEntry(tt.entry)
			if ok != tt.ok {
				t.Fatalf("sinkFromEntry() ok = %v, want %v", ok, tt.ok)
			}
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDiscoveryUpsertNotifies(t *testing.T) {
	d := NewDiscovery()

	var calls atomic.Int32
	unsubscribe := d.Subscribe(func() { calls.Add(1) })

	d.upsert(castEntry("b", "10.0.0.3", "id=b", "fn=Bedroom"))
	d.upsert(castEntry("a", "10.0.0.2", "id=a", "fn=Kitchen"))
	require.EqualValues(t, 2, calls.Load())

	// Same answer again is not a change.
	d.upsert(castEntry("a", "10.0.0.2", "id=a", "fn=Kitchen"))
	require.EqualValues(t, 2, calls.Load())

	d.upsert(castEntry("a", "10.0.0.2", "id=a", "fn=Kitchen Display"))
	require.EqualValues(t, 3, calls.Load())

	sinks := d.Sinks()
	require.Len(t, sinks, 2)
	assert.Equal(t, "a", sinks[0].ID)
	assert.Equal(t, "Kitchen Display", sinks[0].Name)
	assert.Equal(t, "b", sinks[1].ID)

	unsubscribe()
	d.upsert(castEntry("c", "10.0.0.4", "id=c"))
	assert.EqualValues(t, 3, calls.Load())

	sink, ok := d.Sink("c")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.4", sink.Device.Host)

	_, ok = d.Sink("missing")
	assert.False(t, ok)
}

func TestDiscoveryHealthCheckSkipsSelected(t *testing.T) {
	d := NewDiscovery()
	d.isAlive = func(string) bool { return false }

	d.upsert(castEntry("a", "10.0.0.2", "id=a"))
	d.upsert(castEntry("b", "10.0.0.3", "id=b"))
	d.SelectRoute("a")
	assert.Equal(t, "a", d.Selected())

	var calls atomic.Int32
	d.Subscribe(func() { calls.Add(1) })

	d.checkSinks()

	sinks := d.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "a", sinks[0].ID)
	assert.EqualValues(t, 1, calls.Load())

	d.SelectDefaultRoute()
	d.checkSinks()
	assert.Empty(t, d.Sinks())
}

func TestDiscoveryMinBuild(t *testing.T) {
	d := NewDiscovery(WithMinBuild("1.50"))

	d.upsert(castEntry("old", "10.0.0.2", "id=old"))
	d.upsert(castEntry("new", "10.0.0.3", "id=new"))
	d.upsert(castEntry("unknown", "10.0.0.4", "id=unknown"))

	d.mu.Lock()
	old := d.sinks["old"]
	old.Device.BuildVersion = "1.36.159268"
	d.sinks["old"] = old
	newer := d.sinks["new"]
	newer.Device.BuildVersion = "1.56.500000"
	d.sinks["new"] = newer
	d.mu.Unlock()

	var ids []string
	for _, s := range d.Sinks() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"new", "unknown"}, ids)

	_, ok := d.Sink("old")
	assert.False(t, ok)
}

func TestDiscoveryRefresh(t *testing.T) {
	d := NewDiscovery(WithQueryTimeout(10 * time.Millisecond))
	d.interfaces = func() []net.Interface {
		return []net.Interface{{Index: 1, Name: "eth0"}, {Index: 2, Name: "wlan0"}}
	}

	var queries atomic.Int32
	d.query = func(p *mdns.QueryParam) error {
		queries.Add(1)
		assert.Equal(t, googlecastService, p.Service)
		assert.True(t, p.DisableIPv6)
		assert.Equal(t, 10*time.Millisecond, p.Timeout)
		if p.Interface == nil {
			return fmt.Errorf("no interface")
		}
		p.Entries <- castEntry("dev-"+p.Interface.Name, "10.0.0.2", "id="+p.Interface.Name)
		return nil
	}

	d.Refresh()

	assert.EqualValues(t, 2, queries.Load())
	require.Len(t, d.Sinks(), 2)
}

func TestDiscoveryStartPolls(t *testing.T) {
	d := NewDiscovery()
	d.interfaces = func() []net.Interface { return nil }
	d.query = func(p *mdns.QueryParam) error {
		assert.Nil(t, p.Interface)
		p.Entries <- castEntry("tv", "10.0.0.9", "id=tv", "fn=TV")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := d.Sink("tv")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestDiscoveryEnrichesFromEureka(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/setup/eureka_info" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"name":"Den TV","build_info":{"cast_build_revision":"1.56.500000","system_build_number":"12"}}`)
	}))
	t.Cleanup(srv.Close)

	eureka := NewEurekaClient(0)
	eureka.endpoint = func(string) string { return srv.URL + "/setup/eureka_info" }

	d := NewDiscovery(WithEureka(eureka), WithMinBuild("1.50"))
	d.upsert(castEntry("den", "10.0.0.5", "id=den"))

	require.Eventually(t, func() bool {
		s, ok := d.Sink("den")
		return ok && s.Device.BuildVersion == "1.56.500000"
	}, 2*time.Second, 10*time.Millisecond)

	// A later mDNS answer keeps the enriched build.
	d.upsert(castEntry("den", "10.0.0.5", "id=den", "fn=Den"))
	s, ok := d.Sink("den")
	require.True(t, ok)
	assert.Equal(t, "1.56.500000", s.Device.BuildVersion)
	assert.Equal(t, "Den", s.Name)
}

func TestEurekaFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("bad") == "json" {
			fmt.Fprint(w, `{`)
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c := NewEurekaClient(0)

	c.endpoint = func(string) string { return srv.URL }
	_, err := c.Fetch(context.Background(), "ignored")
	require.ErrorContains(t, err, "403")

	c.endpoint = func(string) string { return srv.URL + "?bad=json" }
	_, err = c.Fetch(context.Background(), "ignored")
	require.ErrorContains(t, err, "decode")
}

func TestBuildAtLeast(t *testing.T) {
	tests := []struct {
		build, min string
		want       bool
	}{
		{"1.56.500000", "1.50", true},
		{"1.36.159268", "1.50", false},
		{"1.50.0", "1.50", true},
		{"", "1.50", true},
		{"garbage", "1.50", true},
		{"1.36", "", true},
		{"v1.36", "v1.40", false},
	}
	for _, tt := range tests {
		if got := buildAtLeast(tt.build, tt.min); got != tt.want {
			t.Fatalf("buildAtLeast(%q, %q) = %v, want %v", tt.build, tt.min, got, tt.want)
		}
	}
}
