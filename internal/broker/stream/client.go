// Package stream consumes the broker's private websocket feed. Order and fill
// events arrive here ahead of the reconciliation poll; a reconnect emits an
// explicit event so the consumer can trigger a full reconciliation pass.
package stream

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"execgw/internal/broker"
	"execgw/internal/logger"
)

type Client struct {
	url    string
	apiKey string
	secret string
	log    *logger.Logger

	conn         *websocket.Conn
	events       chan broker.Event
	stopCh       chan struct{}
	stopOnce     sync.Once
	mu           sync.Mutex
	reconnectMin time.Duration
	reconnectMax time.Duration
}

type message struct {
	Topic string          `json:"topic"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type authMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type subscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func New(url, apiKey, secret string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		apiKey:       apiKey,
		secret:       secret,
		log:          log,
		events:       make(chan broker.Event, 100),
		stopCh:       make(chan struct{}),
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// Subscribe connects, authenticates, subscribes to the private topics, and
// starts the read loop. The returned channel closes when the client stops.
func (w *Client) Subscribe(ctx context.Context) (<-chan broker.Event, error) {
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	go w.readLoop()
	return w.events, nil
}

func (w *Client) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.mu.Unlock()
	})
}

func (w *Client) connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.url).Info("connecting broker stream")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial broker stream: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	conn.SetReadLimit(2 << 20)

	if err := w.authenticate(conn); err != nil {
		return err
	}
	if err := w.subscribeTopics(conn); err != nil {
		return fmt.Errorf("subscribe private topics: %w", err)
	}

	w.logEntry().Info("broker stream connected")
	return nil
}

func (w *Client) authenticate(conn *websocket.Conn) error {
	expires := time.Now().UnixMilli() + 5_000
	payload := fmt.Sprintf("GET/stream%d", expires)

	msg := authMessage{
		Op:   "auth",
		Args: []string{w.apiKey, fmt.Sprintf("%d", expires), sign(w.secret, payload)},
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("stream auth: %w", err)
	}
	return nil
}

func (w *Client) subscribeTopics(conn *websocket.Conn) error {
	return conn.WriteJSON(subscribeMessage{
		Op:   "subscribe",
		Args: []string{"order", "execution", "tickers"},
	})
}

func (w *Client) readLoop() {
	defer close(w.events)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("stream read failed")
			if !w.reconnect() {
				return
			}
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("undecodable stream message")
			continue
		}

		switch msg.Topic {
		case "execution":
			w.handleExecution(msg)
		case "order":
			w.handleOrder(msg)
		case "tickers":
			w.handleTicker(msg)
		}
	}
}

func (w *Client) reconnect() bool {
	backoff := w.reconnectMin

	for {
		select {
		case <-w.stopCh:
			return false
		default:
		}

		w.logEntry().Info("reconnecting broker stream")
		time.Sleep(backoff)

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			w.logEntry().WithError(err).Warn("stream reconnect failed")
			backoff = w.nextBackoff(backoff)
			continue
		}

		conn.SetReadLimit(2 << 20)
		if err := w.authenticate(conn); err != nil {
			w.logEntry().WithError(err).Warn("stream re-auth failed")
			_ = conn.Close()
			backoff = w.nextBackoff(backoff)
			continue
		}
		if err := w.subscribeTopics(conn); err != nil {
			w.logEntry().WithError(err).Warn("stream re-subscribe failed")
			_ = conn.Close()
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.mu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.conn = conn
		w.mu.Unlock()

		// The consumer reconciles on this signal: anything missed during the
		// gap is picked up by a full poll.
		w.events <- broker.Event{Type: broker.EventTypeReconnect}
		w.logEntry().Info("broker stream reconnected")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("broker_stream")
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
