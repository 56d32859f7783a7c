package directory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"zerotrace/internal/model"
	"zerotrace/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscribe opens the notify websocket for kemPublic. The returned channel
// is closed when ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, kemPublic string) (<-chan model.Notification, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/notify"
	u.RawPath = ""
	u.RawQuery = url.Values{"public_key": []string{kemPublic}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial notify: %v", model.ErrTransient, err)
	}

	out := make(chan model.Notification, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var n model.Notification
			if err := conn.ReadJSON(&n); err != nil {
				if ctx.Err() == nil {
					log.Debug("notify socket closed", zap.Error(err))
				}
				return
			}
			select {
			case out <- n:
			default:
				// Receiver is behind; one pending notification is enough
				// to trigger the next ingest.
			}
		}
	}()
	return out, nil
}
