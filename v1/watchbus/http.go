package watchbus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// KeyFunc resolves the bus key a request follows. An empty key rejects the
// request with 400.
type KeyFunc func(r *http.Request) string

// QueryKey reads the key from the named query parameter.
func QueryKey(param string) KeyFunc {
	return func(r *http.Request) string {
		return r.URL.Query().Get(param)
	}
}

type streamConfig struct {
	key       KeyFunc
	heartbeat time.Duration
}

// StreamOption configures SSEHandler and WebSocketHandler.
type StreamOption func(*streamConfig)

// WithKey replaces the default key resolution, the "key" query parameter.
func WithKey(fn KeyFunc) StreamOption {
	return func(c *streamConfig) {
		if fn != nil {
			c.key = fn
		}
	}
}

// WithHeartbeat keeps idle streams open through proxies by sending an SSE
// comment or a WebSocket ping every d. Zero disables it.
func WithHeartbeat(d time.Duration) StreamOption {
	return func(c *streamConfig) { c.heartbeat = d }
}

func newStreamConfig(opts []StreamOption) streamConfig {
	c := streamConfig{key: QueryKey("key")}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c streamConfig) ticker() (<-chan time.Time, func()) {
	if c.heartbeat <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(c.heartbeat)
	return t.C, t.Stop
}

// follow watches key for the lifetime of ctx. The returned func cancels the
// watch and must be called once.
func follow(ctx context.Context, bus WatchBus, key string) (context.Context, chan []byte, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := bus.Watch(ctx, key)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, ch, func() {
		cancel()
		_ = bus.Unwatch(context.Background(), key, ch)
	}, nil
}

// SSEHandler streams the messages published on a key as Server-Sent
// Events, one numbered event per message.
func SSEHandler(bus WatchBus, opts ...StreamOption) http.HandlerFunc {
	cfg := newStreamConfig(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		key := cfg.key(r)
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, ch, stop, err := follow(r.Context(), bus, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer stop()
		beat, stopBeat := cfg.ticker()
		defer stopBeat()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		var id uint64
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id++
				if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, msg); err != nil {
					return
				}
			case <-beat:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

const writeWait = 5 * time.Second

// WebSocketHandler streams the messages published on a key over WebSocket,
// one text frame per message. The stream ends with a normal close frame
// when the bus closes the watch.
func WebSocketHandler(bus WatchBus, opts ...StreamOption) http.HandlerFunc {
	cfg := newStreamConfig(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		key := cfg.key(r)
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, ch, stop, err := follow(r.Context(), bus, key)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch failed"),
				time.Now().Add(writeWait))
			return
		}
		defer stop()
		beat, stopBeat := cfg.ticker()
		defer stopBeat()

		// reads only detect the peer going away
		peerGone := make(chan struct{})
		go func() {
			defer close(peerGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-beat:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-peerGone:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
