package devices

import (
	"context"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"go2tv.app/castrouter/mediarouter"
)

const (
	googlecastService = "_googlecast._tcp"

	// mDNS query timeout per request
	defaultQueryTimeout = 750 * time.Millisecond
	// Faster polling while cache is empty for quick first discovery
	pollIntervalFast = 1 * time.Second
	// Slower polling once at least one device is known to reduce network load
	pollIntervalSlow = 4 * time.Second
	// Interface refresh cadence for add/remove changes
	ifaceRefreshInterval = 20 * time.Second
	healthCheckInterval  = 5 * time.Second
)

// Discovery keeps the list of Cast receivers found over mDNS. It
// implements mediarouter.SinkService.
type Discovery struct {
	mu          sync.Mutex
	sinks       map[string]mediarouter.MediaSink
	selected    string
	subscribers map[int]func()
	nextSub     int
	warmupOnce  sync.Once

	eureka   *EurekaClient
	minBuild string

	queryTimeout time.Duration
	query        func(*mdns.QueryParam) error
	isAlive      func(address string) bool
	interfaces   func() []net.Interface

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

var _ mediarouter.SinkService = (*Discovery)(nil)

type Option func(*Discovery)

// WithEureka enriches new sinks with their eureka_info.
func WithEureka(c *EurekaClient) Option {
	return func(d *Discovery) { d.eureka = c }
}

// WithMinBuild hides sinks whose cast build is older than build.
func WithMinBuild(build string) Option {
	return func(d *Discovery) { d.minBuild = build }
}

func WithQueryTimeout(t time.Duration) Option {
	return func(d *Discovery) {
		if t > 0 {
			d.queryTimeout = t
		}
	}
}

func WithLogOutput(w io.Writer) Option {
	return func(d *Discovery) { d.LogOutput = w }
}

// NewDiscovery constructor generates an idle Discovery; Start begins polling.
func NewDiscovery(opts ...Option) *Discovery {
	d := &Discovery{
		sinks:        make(map[string]mediarouter.MediaSink),
		subscribers:  make(map[int]func()),
		queryTimeout: defaultQueryTimeout,
		query:        mdns.Query,
		isAlive:      HostPortIsAlive,
		interfaces:   getActiveNetworkInterfaces,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (d *Discovery) Log() *zerolog.Logger {
	if d.LogOutput != nil {
		d.initLogOnce.Do(func() {
			d.Logger = zerolog.New(d.LogOutput).With().Timestamp().Str("Component", "discovery").Logger()
		})
	}
	return &d.Logger
}

// Start runs the polling and health check loops until ctx is canceled.
func (d *Discovery) Start(ctx context.Context) {
	go d.discover(ctx)
	go d.healthCheck(ctx)
}

// Sinks returns the visible sinks ordered by id.
func (d *Discovery) Sinks() []mediarouter.MediaSink {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]mediarouter.MediaSink, 0, len(d.sinks))
	for _, s := range d.sinks {
		if d.visible(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Discovery) Sink(id string) (mediarouter.MediaSink, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sinks[id]
	if !ok || !d.visible(s) {
		return mediarouter.MediaSink{}, false
	}
	return s, true
}

func (d *Discovery) visible(s mediarouter.MediaSink) bool {
	return buildAtLeast(s.Device.BuildVersion, d.minBuild)
}

// Subscribe registers fn to be called after every change of the sink list.
// fn runs on a discovery goroutine.
func (d *Discovery) Subscribe(fn func()) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

// SelectRoute marks sinkID as in use; the health check leaves it alone
// while a session may hold its port.
func (d *Discovery) SelectRoute(sinkID string) {
	d.mu.Lock()
	d.selected = sinkID
	d.mu.Unlock()
}

func (d *Discovery) SelectDefaultRoute() {
	d.mu.Lock()
	d.selected = ""
	d.mu.Unlock()
}

func (d *Discovery) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Refresh runs one query on every active interface and waits for it.
// Used for a warm cache before the first Sinks call.
func (d *Discovery) Refresh() {
	interfaces := d.interfaces()

	entriesCh := make(chan *mdns.ServiceEntry, 256)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for entry := range entriesCh {
			d.upsert(entry)
		}
	}()

	if len(interfaces) > 0 {
		var wg sync.WaitGroup
		for _, iface := range interfaces {
			wg.Add(1)
			go func(iface net.Interface) {
				defer wg.Done()
				d.queryInterface(&iface, entriesCh)
			}(iface)
		}
		wg.Wait()
	} else {
		d.queryInterface(nil, entriesCh)
	}

	close(entriesCh)
	<-doneCh
}

func (d *Discovery) queryInterface(iface *net.Interface, entries chan<- *mdns.ServiceEntry) {
	params := mdns.DefaultParams(googlecastService)
	params.Entries = entries
	params.Timeout = d.queryTimeout
	params.DisableIPv6 = true
	params.WantUnicastResponse = true
	params.Logger = log.New(io.Discard, "", 0)
	if iface != nil {
		params.Interface = iface
	}
	if err := d.query(params); err != nil {
		d.Log().Debug().Str("Method", "queryInterface").Err(err).Msg("mdns query failed")
	}
}

// upsert records a sink from an mDNS answer and notifies subscribers when
// the list changed.
func (d *Discovery) upsert(entry *mdns.ServiceEntry) {
	sink, ok := sinkFromEntry(entry)
	if !ok {
		return
	}

	d.mu.Lock()
	old, known := d.sinks[sink.ID]
	if known {
		// Keep what eureka_info told us.
		sink.Device.BuildVersion = old.Device.BuildVersion
		if old.Device.Model != "" && sink.Device.Model == "" {
			sink.Device.Model = old.Device.Model
		}
	}
	changed := !known || old != sink
	d.sinks[sink.ID] = sink
	d.mu.Unlock()

	if !known {
		d.Log().Debug().Str("Method", "upsert").Str("SinkID", sink.ID).Str("Name", sink.Name).Msg("sink found")
		if d.eureka != nil {
			go d.enrich(sink.ID, sink.Device.Host)
		}
	}
	if changed {
		d.notify()
	}
}

func (d *Discovery) enrich(id, host string) {
	ctx, cancel := context.WithTimeout(context.Background(), eurekaTimeout)
	defer cancel()

	info, err := d.eureka.Fetch(ctx, host)
	if err != nil {
		d.Log().Debug().Str("Method", "enrich").Str("SinkID", id).Err(err).Msg("eureka_info unavailable")
		return
	}

	d.mu.Lock()
	sink, ok := d.sinks[id]
	if ok {
		sink.Device.BuildVersion = info.BuildInfo.CastBuildRevision
		d.sinks[id] = sink
	}
	d.mu.Unlock()

	if ok {
		d.Log().Debug().Str("Method", "enrich").Str("SinkID", id).Str("Name", info.Name).
			Str("Build", info.BuildInfo.CastBuildRevision).Msg("eureka_info")
		d.notify()
	}
}

func (d *Discovery) remove(id string) {
	d.mu.Lock()
	_, ok := d.sinks[id]
	delete(d.sinks, id)
	d.mu.Unlock()

	if ok {
		d.Log().Debug().Str("Method", "remove").Str("SinkID", id).Msg("sink lost")
		d.notify()
	}
}

func (d *Discovery) notify() {
	d.mu.Lock()
	subs := make([]func(), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (d *Discovery) pollInterval() time.Duration {
	d.mu.Lock()
	hasDevices := len(d.sinks) > 0
	d.mu.Unlock()
	if hasDevices {
		return pollIntervalSlow
	}
	return pollIntervalFast
}

// discover queries on all active network interfaces to handle systems with
// multiple adapters (VPN, Hyper-V, Docker, etc.) where the OS default
// interface may not be the one connected to the Cast network.
func (d *Discovery) discover(ctx context.Context) {
	startPollingWorker := func(parent context.Context, iface *net.Interface) context.CancelFunc {
		entriesCh := make(chan *mdns.ServiceEntry, 256)
		workerCtx, cancel := context.WithCancel(parent)

		go func() {
			for {
				select {
				case <-workerCtx.Done():
					return
				case entry := <-entriesCh:
					d.upsert(entry)
				}
			}
		}()

		go func() {
			pollTimer := time.NewTimer(0)
			defer pollTimer.Stop()

			for {
				select {
				case <-workerCtx.Done():
					return
				case <-pollTimer.C:
				}

				d.queryInterface(iface, entriesCh)
				pollTimer.Reset(d.pollInterval())
			}
		}()

		return cancel
	}

	pollWorkers := make(map[int]context.CancelFunc)
	refresh := func() {
		interfaces := d.interfaces()

		active := make(map[int]net.Interface, len(interfaces))
		for _, iface := range interfaces {
			active[iface.Index] = iface
			if _, ok := pollWorkers[iface.Index]; ok {
				continue
			}
			pollIface := iface
			pollWorkers[iface.Index] = startPollingWorker(ctx, &pollIface)
		}

		for idx, cancel := range pollWorkers {
			if idx == -1 {
				continue
			}
			if _, ok := active[idx]; !ok {
				cancel()
				delete(pollWorkers, idx)
			}
		}

		if len(interfaces) == 0 {
			if _, ok := pollWorkers[-1]; !ok {
				pollWorkers[-1] = startPollingWorker(ctx, nil)
			}
		} else if cancel, ok := pollWorkers[-1]; ok {
			cancel()
			delete(pollWorkers, -1)
		}
	}

	d.warmupOnce.Do(d.Refresh)
	refresh()

	refreshTicker := time.NewTicker(ifaceRefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, cancel := range pollWorkers {
				cancel()
			}
			return
		case <-refreshTicker.C:
			refresh()
		}
	}
}

// healthCheck periodically drops sinks that stopped answering on their
// Cast port. The selected sink is skipped.
func (d *Discovery) healthCheck(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkSinks()
		}
	}
}

func (d *Discovery) checkSinks() {
	d.mu.Lock()
	candidates := make(map[string]string, len(d.sinks))
	for id, s := range d.sinks {
		if id == d.selected {
			continue
		}
		candidates[id] = net.JoinHostPort(s.Device.Host, strconv.Itoa(s.Device.Port))
	}
	d.mu.Unlock()

	for id, address := range candidates {
		if !d.isAlive(address) {
			d.remove(id)
		}
	}
}

// sinkFromEntry parses a _googlecast._tcp answer. The TXT record carries
// id (device id), fn (friendly name), md (model) and ca (capabilities).
func sinkFromEntry(entry *mdns.ServiceEntry) (mediarouter.MediaSink, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return mediarouter.MediaSink{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return mediarouter.MediaSink{}, false
	}

	sink := mediarouter.MediaSink{
		Device: mediarouter.Device{
			Host: entry.AddrV4.String(),
			Port: entry.Port,
		},
	}

	for _, txt := range entry.InfoFields {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			sink.ID = value
		case "fn":
			sink.Name = value
		case "md":
			sink.Device.Model = value
		case "ca":
			if ca, err := strconv.Atoi(value); err == nil {
				sink.Device.Capabilities = ca
			}
		}
	}

	instance := entry.Name
	if idx := strings.Index(instance, "._googlecast"); idx > 0 {
		instance = instance[:idx]
	}
	if sink.ID == "" {
		sink.ID = instance
	}
	if sink.Name == "" {
		sink.Name = instance
	}
	return sink, true
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}

// HostPortIsAlive checks if a device at the given address is reachable via TCP connection.
// Returns true if the connection succeeds within 2 seconds.
func HostPortIsAlive(address string) bool {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
