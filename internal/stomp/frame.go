// Package stomp runs a STOMP 1.2 client session over a transport.Conn, one frame
// per transport message, as STOMP-over-WebSocket brokers expect.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"crawl-progress-client/internal/transport"
)

// Message is a MESSAGE frame delivered to a subscription, or a SEND frame's content.
type Message struct {
	Destination string
	Body        string
	Headers     map[string]string
}

const acceptVersions = "1.0,1.1,1.2"

// encodeFrame renders f the way it goes on the wire, NUL terminator included.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrame parses one transport message. A nil frame with a nil error is a heart-beat.
// EOLs before the frame are heart-beats and are skipped.
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	r := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := r.Read()
		if err != nil {
			// the message is not blank, so running out of input here means a truncated frame
			return nil, &transport.ProtocolError{Reason: "malformed frame", Err: err}
		}
		if f != nil {
			return f, nil
		}
	}
}

// headerMap flattens frame headers. For repeated keys the first value wins, as in STOMP 1.2.
func headerMap(h *frame.Header) map[string]string {
	out := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// applyHeaders copies caller headers onto f without touching the protected keys.
func applyHeaders(f *frame.Frame, headers map[string]string, protected ...string) {
	for k, v := range headers {
		skip := false
		for _, p := range protected {
			if strings.EqualFold(k, p) {
				skip = true
				break
			}
		}
		if !skip {
			f.Header.Set(k, v)
		}
	}
}

// formatHeartBeat renders the heart-beat header value in milliseconds.
func formatHeartBeat(out, in time.Duration) string {
	return fmt.Sprintf("%d,%d", out.Milliseconds(), in.Milliseconds())
}

// parseHeartBeat reads a "sx,sy" header value.
func parseHeartBeat(value string) (time.Duration, time.Duration, error) {
	if value == "" {
		return 0, 0, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid heart-beat header %q", value)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || x < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat header %q", value)
	}
	y, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || y < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat header %q", value)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// negotiate picks the effective interval for one direction: zero if either side declines, else the larger.
func negotiate(mine, theirs time.Duration) time.Duration {
	if mine <= 0 || theirs <= 0 {
		return 0
	}
	if mine > theirs {
		return mine
	}
	return theirs
}

// DefaultAuthErrorMessages are the ERROR message prefixes common brokers use when they reject
// CONNECT credentials (Spring, RabbitMQ, ActiveMQ, Artemis).
var DefaultAuthErrorMessages = []string{
	"access refused",
	"authentication failed",
	"bad credentials",
	"not authorized",
	"unauthorized",
	"forbidden",
	"user name [",
	"amq229031",
}

// errorFrameError converts a broker ERROR frame into a tagged error. Only a message header starting
// with one of authPrefixes counts as an auth rejection.
func errorFrameError(f *frame.Frame, authPrefixes []string) error {
	msg := f.Header.Get(frame.Message)
	detail := strings.TrimSpace(string(f.Body))
	cause := errors.New(msg)
	if detail != "" {
		cause = fmt.Errorf("%s: %s", msg, detail)
	}

	lower := strings.ToLower(strings.TrimSpace(msg))
	for _, prefix := range authPrefixes {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		if prefix != "" && strings.HasPrefix(lower, prefix) {
			return &transport.AuthError{Err: cause}
		}
	}
	return &transport.ProtocolError{Reason: "broker sent ERROR frame", Err: cause}
}
