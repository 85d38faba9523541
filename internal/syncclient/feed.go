package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prabhask5/stellar-sub000/internal/models"
)

// Feed message types.
const (
	MessageSubscribed = "subscribed"
	MessageChange     = "change"
	MessageError      = "error"
)

const (
	subscribeTimeout = 10 * time.Second

	// DefaultFeedIdleTimeout is how long a feed may stay silent, pings
	// included, before Next fails. The server pings every 30s by default.
	DefaultFeedIdleTimeout = 90 * time.Second
)

// FeedMessage is one frame on the changefeed websocket.
type FeedMessage struct {
	Type   string      `json:"type"`
	Change *PullChange `json:"change,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Feed is an open changefeed subscription.
type Feed struct {
	conn *websocket.Conn
	idle time.Duration
}

// Subscribe opens the changefeed for userID and waits for the server to
// confirm the subscription.
func (c *Client) Subscribe(ctx context.Context, userID string) (*Feed, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/sync/changes"
	u.RawQuery = url.Values{"user_id": {userID}}.Encode()

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.DeviceID != "" {
		header.Set("X-Device-ID", c.DeviceID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: subscribeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp == nil {
			return nil, fmt.Errorf("%w: dial changefeed: %v", ErrOffline, err)
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case http.StatusForbidden:
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("dial changefeed: %s: %w", resp.Status, err)
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	switch msg.Type {
	case MessageSubscribed:
	case MessageError:
		return nil, fmt.Errorf("subscribe: %s", msg.Error)
	default:
		return nil, fmt.Errorf("subscribe: unexpected %q message", msg.Type)
	}

	idle := c.FeedIdleTimeout
	if idle <= 0 {
		idle = DefaultFeedIdleTimeout
	}
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	success = true
	return &Feed{conn: conn, idle: idle}, nil
}

// Next blocks until the next change arrives. A cancelled ctx closes the feed.
// A feed silent for longer than its idle timeout fails with a read error.
func (f *Feed) Next(ctx context.Context) (models.Change, error) {
	stop := context.AfterFunc(ctx, func() { f.conn.Close() })
	defer stop()

	for {
		var msg FeedMessage
		if err := f.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return models.Change{}, ctx.Err()
			}
			return models.Change{}, fmt.Errorf("read changefeed: %w", err)
		}
		f.conn.SetReadDeadline(time.Now().Add(f.idle))
		switch msg.Type {
		case MessageChange:
			if msg.Change == nil {
				continue
			}
			ch, err := msg.Change.Change()
			if err != nil {
				slog.Warn("skip changefeed message", "err", err)
				continue
			}
			return ch, nil
		case MessageError:
			return models.Change{}, fmt.Errorf("changefeed: %s", msg.Error)
		}
	}
}

// Close ends the subscription.
func (f *Feed) Close() error {
	f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return f.conn.Close()
}
