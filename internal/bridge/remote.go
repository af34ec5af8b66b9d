package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

const remoteWriteTimeout = 5 * time.Second

type remoteConn interface {
	sendFlush(ctx context.Context) error
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) sendFlush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, remoteWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, outbox.Signal{Type: outbox.SignalFlush, At: time.Now().UTC()})
}

type RemoteOptions struct {
	// URL of the daemon events endpoint; http(s) schemes are accepted.
	URL   string
	Token string
}

// RemoteSignals relays lifecycle signals from the daemon until ctx is done
// or the connection drops. While it runs, ForceReplay goes to the daemon.
func (b *Bridge) RemoteSignals(ctx context.Context, opts RemoteOptions) error {
	target := eventsURL(opts.URL)
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", target, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bridge closing")

	b.setRemote(wsConn{conn: conn})
	defer b.setRemote(nil)
	b.logger.Info("connected to daemon events", zap.String("url", target))
	b.requestReload()

	for {
		var sig outbox.Signal
		if err := wsjson.Read(ctx, conn, &sig); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read daemon events: %w", err)
		}
		if !sig.Type.Valid() {
			b.logger.Debug("ignoring unknown signal", zap.String("type", string(sig.Type)))
			continue
		}
		b.deliver(ctx, sig)
	}
}

func eventsURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/outbox/events"
	}
	return u.String()
}
