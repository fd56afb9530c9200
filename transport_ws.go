package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// errSendBufferFull is returned when the write pump cannot keep up. The
// connection is closed so the manager reconnects.
var errSendBufferFull = errors.New("send buffer full")

// WSTransport dials the realtime endpoint over WebSocket.
type WSTransport struct {
	// BaseURL is the http(s) origin; it is rewritten to ws(s).
	BaseURL string
	Token   string
	Codec   Codec

	HTTPClient   *http.Client
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
}

// NewWSTransport creates a WebSocket transport with JSON framing.
func NewWSTransport(baseURL, token string) *WSTransport {
	return &WSTransport{BaseURL: strings.TrimRight(baseURL, "/"), Token: token}
}

// URL returns the WebSocket endpoint.
func (t *WSTransport) URL() string {
	base := strings.Replace(t.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if t.Token != "" {
		return base + "/ws?token=" + url.QueryEscape(t.Token)
	}
	return base + "/ws"
}

func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	codec := t.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	c, _, err := websocket.Dial(ctx, t.URL(), &websocket.DialOptions{HTTPClient: t.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.ReadLimit > 0 {
		c.SetReadLimit(t.ReadLimit)
	} else {
		c.SetReadLimit(1 << 20)
	}

	buf := t.SendBuffer
	if buf <= 0 {
		buf = 128
	}
	timeout := t.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := t.Logger
	if log == nil {
		log = discardLogger()
	}
	w := &wsConn{
		conn:    c,
		codec:   codec,
		send:    make(chan []byte, buf),
		done:    make(chan struct{}),
		timeout: timeout,
		log:     log,
	}
	go w.writeLoop()
	return w, nil
}

// wsConn pumps writes through a buffered channel so Send never blocks on
// the socket.
type wsConn struct {
	conn    *websocket.Conn
	codec   Codec
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
	log     *slog.Logger
}

func (w *wsConn) Send(out Outbound) error {
	data, err := w.codec.Encode(out)
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrNotConnected
	default:
	}
	select {
	case w.send <- data:
		return nil
	default:
		w.log.Warn("send buffer full, closing connection", slog.String("type", out.Type))
		go w.Close()
		return errSendBufferFull
	}
}

func (w *wsConn) Receive(ctx context.Context) (Event, error) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return Event{}, err
		}
		ev, err := w.codec.Decode(data)
		if err != nil {
			w.log.Debug("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		return ev, nil
	}
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

func (w *wsConn) writeLoop() {
	typ := websocket.MessageText
	if w.codec.Binary() {
		typ = websocket.MessageBinary
	}
	for {
		select {
		case <-w.done:
			return
		case data := <-w.send:
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			err := w.conn.Write(ctx, typ, data)
			cancel()
			if err != nil {
				w.log.Warn("websocket write failed", slog.String("error", err.Error()))
				_ = w.Close()
				return
			}
		}
	}
}
