package connection

import (
	"context"
	"net/http"

	"crawl-progress-client/internal/stomp"
	"crawl-progress-client/internal/transport"
)

// STOMPConnector dials with a transport.Dialer and runs the STOMP handshake on the result.
type STOMPConnector struct {
	dialer transport.Dialer
	opts   stomp.Options
}

// NewSTOMPConnector creates a connector. The handshake headers are sent both on the
// WebSocket upgrade and in the CONNECT frame.
func NewSTOMPConnector(dialer transport.Dialer, opts stomp.Options) *STOMPConnector {
	return &STOMPConnector{dialer: dialer, opts: opts}
}

func (c *STOMPConnector) Connect(ctx context.Context, url string, header http.Header) (Session, error) {
	conn, err := c.dialer.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}

	connectHeaders := make(map[string]string, len(header))
	for k := range header {
		connectHeaders[k] = header.Get(k)
	}

	sess := stomp.NewSession(conn, c.opts)
	if err := sess.Connect(ctx, connectHeaders); err != nil {
		return nil, err
	}
	return sess, nil
}
