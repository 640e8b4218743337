package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/cast"
	"go2tv.app/castrouter/mediarouter"
)

var (
	ErrLaunchTimeout    = errors.New("launch timed out")
	ErrLaunchFailed     = errors.New("receiver refused launch")
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	defaultConnectRetries = 5
	defaultRetryDelay     = 4 * time.Second
)

// Launcher starts receiver applications and hands the resulting sessions
// to the provider. It implements mediarouter.SessionLauncher.
type Launcher struct {
	runner         mediarouter.Runner
	newConn        func() Conn
	connectRetries int
	retryDelay     time.Duration
	stopTimeout    time.Duration

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

var _ mediarouter.SessionLauncher = (*Launcher)(nil)

type LauncherOption func(*Launcher)

// WithConnFactory replaces the go-chromecast connection constructor.
func WithConnFactory(f func() Conn) LauncherOption {
	return func(l *Launcher) { l.newConn = f }
}

// WithConnectRetries sets how often a timed out connect is retried, and
// the pause between attempts. Slow TVs need time to wake up.
func WithConnectRetries(n int, delay time.Duration) LauncherOption {
	return func(l *Launcher) {
		l.connectRetries = n
		l.retryDelay = delay
	}
}

// WithStopTimeout bounds how long a stopping session waits for the
// receiver to drop the application.
func WithStopTimeout(d time.Duration) LauncherOption {
	return func(l *Launcher) { l.stopTimeout = d }
}

func WithLogOutput(w io.Writer) LauncherOption {
	return func(l *Launcher) { l.LogOutput = w }
}

// NewLauncher constructor generates a Launcher that reports session events
// on runner.
func NewLauncher(runner mediarouter.Runner, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		runner:         runner,
		newConn:        func() Conn { return cast.NewConnection() },
		connectRetries: defaultConnectRetries,
		retryDelay:     defaultRetryDelay,
		stopTimeout:    defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (l *Launcher) Log() *zerolog.Logger {
	if l.LogOutput != nil {
		l.initLogOnce.Do(func() {
			l.Logger = zerolog.New(l.LogOutput).With().Timestamp().Str("Component", "launcher").Logger()
		})
	}
	return &l.Logger
}

// LaunchSession connects to the sink and launches the source's application
// in the background. The outcome is posted to listener on the runner.
func (l *Launcher) LaunchSession(req *mediarouter.CreateRouteRequest, listener mediarouter.SessionListener) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), req.Source.LaunchTimeout())
		defer cancel()

		session, err := l.launch(ctx, req, listener)
		if err != nil {
			l.Log().Error().Str("Method", "LaunchSession").Str("SinkID", req.Sink.ID).
				Str("AppID", req.Source.ApplicationID()).Err(err).Msg("launch failed")
			l.runner.Post(func() { listener.OnLaunchError(req, err) })
			return
		}

		l.runner.Post(func() { listener.OnSessionCreated(req, session) })
		go session.readLoop()
	}()
}

func (l *Launcher) launch(ctx context.Context, req *mediarouter.CreateRouteRequest, listener mediarouter.SessionListener) (*Session, error) {
	host := req.Sink.Device.Host
	port := req.Sink.Device.Port
	if port == 0 {
		port = defaultCastPort
	}
	appID := req.Source.ApplicationID()

	conn := l.newConn()
	if err := l.connect(ctx, conn, host, port); err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	ch := &channel{conn: conn}

	app, volume, err := l.startApplication(ctx, ch, appID)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.connect(defaultSenderID, app.TransportID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to transport %s: %w", app.TransportID, err)
	}

	l.Log().Debug().Str("Method", "launch").Str("SessionID", app.SessionID).
		Str("TransportID", app.TransportID).Msg("application launched")

	session := newSession(ch, l.runner, listener, req.Sink, app, volume)
	session.stopTimeout = l.stopTimeout
	session.LogOutput = l.LogOutput
	session.Logger = l.Logger
	return session, nil
}

// connect starts the TLS channel, retrying on timeouts while ctx allows.
func (l *Launcher) connect(ctx context.Context, conn Conn, host string, port int) error {
	for attempt := 0; ; attempt++ {
		l.Log().Debug().Str("Method", "connect").Str("Host", host).Int("Port", port).Int("Attempt", attempt).Msg("connecting")
		err := conn.Start(host, port)
		if err == nil {
			return nil
		}
		if !isTimeoutError(err) || attempt >= l.connectRetries {
			return err
		}

		l.Log().Debug().Str("Method", "connect").Err(err).Msg("timeout, device may be waking up, retrying...")
		select {
		case <-ctx.Done():
			return ErrLaunchTimeout
		case <-time.After(l.retryDelay):
		}
	}
}

// startApplication sends LAUNCH and waits for a RECEIVER_STATUS listing
// the running application.
func (l *Launcher) startApplication(ctx context.Context, ch *channel, appID string) (application, mediarouter.Volume, error) {
	if err := ch.connect(defaultSenderID, receiverID); err != nil {
		return application{}, mediarouter.Volume{}, fmt.Errorf("connect to receiver: %w", err)
	}

	requestID := nextRequestID()
	payload := &launchPayload{
		PayloadHeader: cast.PayloadHeader{Type: "LAUNCH"},
		AppID:         appID,
	}
	if err := ch.send(requestID, payload, defaultSenderID, receiverID, mediarouter.ReceiverNamespace); err != nil {
		return application{}, mediarouter.Volume{}, fmt.Errorf("send launch: %w", err)
	}

	msgs := ch.conn.MsgChan()
	for {
		select {
		case <-ctx.Done():
			return application{}, mediarouter.Volume{}, ErrLaunchTimeout
		case msg, ok := <-msgs:
			if !ok {
				return application{}, mediarouter.Volume{}, ErrConnectionClosed
			}

			switch msg.GetNamespace() {
			case heartbeatNamespace:
				if messageType(msg.GetPayloadUtf8()) == "PING" {
					_ = ch.pong(msg)
				}
			case mediarouter.ReceiverNamespace:
				status, err := parseReceiverMessage(msg.GetPayloadUtf8())
				if err != nil {
					continue
				}
				switch status.Type {
				case "LAUNCH_ERROR":
					if status.RequestID == 0 || status.RequestID == requestID {
						return application{}, mediarouter.Volume{}, fmt.Errorf("%w: %s", ErrLaunchFailed, status.Reason)
					}
				case "RECEIVER_STATUS":
					if app, ok := status.findApplication(appID, ""); ok {
						return app, volumeOf(status), nil
					}
				}
			}
		}
	}
}

func volumeOf(msg *receiverMessage) mediarouter.Volume {
	var v mediarouter.Volume
	if msg.Status.Volume == nil {
		return v
	}
	if msg.Status.Volume.Level != nil {
		v.Level = *msg.Status.Volume.Level
	}
	if msg.Status.Volume.Muted != nil {
		v.Muted = *msg.Status.Volume.Muted
	}
	return v
}

// isTimeoutError checks if an error is a timeout/deadline exceeded error.
// This typically happens when the TV needs to wake from sleep.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
