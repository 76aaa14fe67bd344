package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"crawl-progress-client/internal/logger"
)

// FallbackDialer tries each dialer in order and returns the first connection that opens.
// An authentication failure stops the walk since every transport shares the credential.
type FallbackDialer struct {
	dialers []Dialer
	logger  *logger.Logger
}

// NewFallbackDialer creates a dialer over an ordered list of transports
func NewFallbackDialer(log *logger.Logger, dialers ...Dialer) *FallbackDialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &FallbackDialer{dialers: dialers, logger: log}
}

// NewDialerFromNames builds a FallbackDialer from configured transport names.
func NewDialerFromNames(log *logger.Logger, names []string, opts Options) (*FallbackDialer, error) {
	dialers := make([]Dialer, 0, len(names))
	for _, name := range names {
		switch name {
		case "websocket":
			dialers = append(dialers, NewWebSocketDialer(opts))
		case "sockjs":
			dialers = append(dialers, NewSockJSDialer(opts))
		default:
			return nil, fmt.Errorf("unknown transport: %s", name)
		}
	}
	if len(dialers) == 0 {
		return nil, fmt.Errorf("no transports configured")
	}
	return NewFallbackDialer(log, dialers...), nil
}

// Name lists the transports in fallback order
func (f *FallbackDialer) Name() string {
	name := "fallback("
	for i, d := range f.dialers {
		if i > 0 {
			name += ","
		}
		name += d.Name()
	}
	return name + ")"
}

// Dial walks the transports until one connects.
func (f *FallbackDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	if len(f.dialers) == 0 {
		return nil, &ProtocolError{Reason: "no transports configured"}
	}

	var errs []error
	for _, d := range f.dialers {
		conn, err := d.Dial(ctx, rawURL, header)
		if err == nil {
			f.logger.Debug("transport connected", "transport", d.Name(), "url", rawURL)
			return conn, nil
		}

		f.logger.Warn("transport failed",
			"transport", d.Name(),
			"url", rawURL,
			"cause", string(Classify(err)),
			"error", err)

		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, &NetworkError{Op: "dial", Err: ctx.Err()}
		}
		errs = append(errs, err)
	}

	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, fmt.Errorf("all transports failed: %w", errors.Join(errs...))
}
