package notify

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mkim-dev/quizduel/internal/obslog"
)

// FeedState tracks the push-gateway connection.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
	FeedFailed       FeedState = "failed"
)

// HeaderProvider injects per-handshake headers (identity, auth).
type HeaderProvider func() map[string]string

// Feed is a websocket client to a push gateway that mirrors bus events to
// clients which cannot hold a redis connection. It carries the same advisory
// contract as the Bus: frames may be missed across reconnects.
type Feed struct {
	wsURL string

	conn   *websocket.Conn
	state  FeedState
	stateM sync.RWMutex

	events chan Event

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

func NewFeed(wsURL string, maxReconnectAttempts int) *Feed {
	return &Feed{
		wsURL:                wsURL,
		state:                FeedDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
		events:               make(chan Event, 16),
	}
}

// SetHeaderProvider injects headers into the websocket handshake.
func (f *Feed) SetHeaderProvider(h HeaderProvider) { f.headerProvider = h }

// Events returns the typed stream of pushed events.
func (f *Feed) Events() <-chan Event { return f.events }

// State returns the current connection state.
func (f *Feed) State() FeedState {
	f.stateM.RLock()
	defer f.stateM.RUnlock()
	return f.state
}

func (f *Feed) Connect(ctx context.Context) error {
	f.stateM.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.stateM.Unlock()
		return nil
	}
	f.stateM.Unlock()

	f.rootCtx, f.rootCancel = context.WithCancel(context.Background())
	f.setState(FeedConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      f.buildHeaders(),
	})
	if err != nil {
		f.setState(FeedFailed)
		f.scheduleReconnect()
		return err
	}

	f.conn = conn
	f.setState(FeedConnected)

	f.wg.Add(2)
	go f.listen()
	go f.pingLoop()
	return nil
}

func (f *Feed) listen() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		if f.conn == nil {
			return
		}
		var ev Event
		if err := wsjson.Read(f.rootCtx, f.conn, &ev); err != nil {
			if f.isStopping() {
				return
			}
			f.setState(FeedDisconnected)
			_ = f.closeConn(websocket.StatusGoingAway, "reconnect")
			f.scheduleReconnect()
			return
		}
		select {
		case f.events <- ev:
		default:
			obslog.L().Debug("push_feed_drop", zap.String("type", string(ev.Type)))
		}
	}
}

func (f *Feed) pingLoop() {
	defer f.wg.Done()
	t := time.NewTicker(f.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-f.stopCh:
			return
		case <-t.C:
			if f.conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(f.rootCtx, 3*time.Second)
			err := f.conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					if f.isStopping() {
						return
					}
					f.setState(FeedDisconnected)
					_ = f.closeConn(websocket.StatusGoingAway, "ping failure")
					f.scheduleReconnect()
					failures = 0
				}
				continue
			}
			failures = 0
		}
	}
}

func (f *Feed) scheduleReconnect() {
	if f.maxReconnectAttempts <= 0 {
		return
	}
	f.setState(FeedReconnecting)

	go func() {
		for attempt := 1; attempt <= f.maxReconnectAttempts; attempt++ {
			select {
			case <-f.stopCh:
				return
			case <-time.After(reconnectBackoff(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(f.rootCtx, 10*time.Second)
			conn, _, err := websocket.Dial(dialCtx, f.wsURL, &websocket.DialOptions{
				CompressionMode: websocket.CompressionNoContextTakeover,
				HTTPHeader:      f.buildHeaders(),
			})
			cancel()
			if err != nil {
				continue
			}

			f.conn = conn
			f.setState(FeedConnected)

			f.wg.Add(2)
			go f.listen()
			go f.pingLoop()
			return
		}
		f.setState(FeedFailed)
	}()
}

func (f *Feed) setState(state FeedState) {
	f.stateM.Lock()
	f.state = state
	f.stateM.Unlock()
	obslog.L().Debug("push_feed_state", zap.String("state", string(state)))
}

func (f *Feed) Close(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	_ = f.closeConn(websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if f.rootCancel != nil {
			f.rootCancel()
		}
		return nil
	}
}

func (f *Feed) closeConn(code websocket.StatusCode, reason string) error {
	if f.conn == nil {
		return nil
	}
	defer func() { f.conn = nil }()
	return f.conn.Close(code, reason)
}

func (f *Feed) isStopping() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

func (f *Feed) buildHeaders() http.Header {
	hdr := http.Header{}
	if f.headerProvider == nil {
		return hdr
	}
	for k, v := range f.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func reconnectBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}
