package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"unicode"

	"github.com/ambiyansyah-risyal/fanout/internal/singleflight"
)

const maxMessageLen = 140

// Classify maps one upstream outcome onto the error taxonomy. It returns nil
// for a 2xx status with no transport error. Classification is total: every
// non-nil result is a *LoaderError.
func Classify(endpoint string, statusCode int, body []byte, err error) error {
	if err != nil {
		return classifyTransport(endpoint, err)
	}

	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	le := &LoaderError{
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Message:    messageFragment(statusCode, body),
	}
	switch statusCode {
	case http.StatusNotFound:
		le.Kind = KindNotFound
	case http.StatusUnauthorized:
		le.Kind = KindUnauthorized
	case http.StatusForbidden:
		le.Kind = KindForbidden
	default:
		le.Kind = KindUpstream
	}
	return le
}

func classifyTransport(endpoint string, err error) error {
	var le *LoaderError
	if errors.As(err, &le) {
		if le.Endpoint == "" {
			cp := *le
			cp.Endpoint = endpoint
			return &cp
		}
		return le
	}

	if isTimeout(err) {
		return &LoaderError{Kind: KindTimeout, Endpoint: endpoint, Message: "deadline exceeded", Cause: err}
	}

	var pe *singleflight.PanicError
	if errors.As(err, &pe) {
		return &LoaderError{Kind: KindUpstream, Endpoint: endpoint, Message: "internal failure", Cause: err}
	}

	return &LoaderError{Kind: KindUpstream, Endpoint: endpoint, Message: "upstream unreachable", Cause: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// messageFragment extracts a short display-safe message from an error body.
// JSON bodies with an "error", "message" or "detail" string field use that
// field; printable plain text is used as is; anything else falls back to the
// status text.
func messageFragment(statusCode int, body []byte) string {
	fallback := http.StatusText(statusCode)

	var doc map[string]interface{}
	if json.Unmarshal(body, &doc) == nil {
		for _, field := range []string{"error", "message", "detail"} {
			if s, ok := doc[field].(string); ok && s != "" {
				return truncate(s)
			}
		}
		return fallback
	}

	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "<") || !printable(text) {
		return fallback
	}
	return truncate(text)
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen]) + "..."
}
