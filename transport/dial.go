package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/teranos/batchpub/errors"
)

// Dial opens a WebSocket connection to url. The pumps are not started.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*WSConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewWSConn(ws, opts), nil
}
