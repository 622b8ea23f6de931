package failure

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"unicode/utf8"
)

// maxDetail bounds how much of a response body ends up in an error message.
const maxDetail = 512

// transientStatus is the set of HTTP statuses treated as temporary overload.
// 503 is what scaled-to-zero inference endpoints return while loading.
var transientStatus = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// ClassifyHTTP maps a worker response status to an error. It returns nil for
// 2xx, a *TransientWorkerError for overload statuses and a *FatalWorkerError
// for everything else. A 429 caused by an exhausted billing quota is fatal:
// no amount of waiting clears it.
func ClassifyHTTP(worker string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := snippet(body)
	if status == http.StatusTooManyRequests && bytes.Contains(body, []byte("insufficient_quota")) {
		return &FatalWorkerError{
			Worker: worker,
			Status: status,
			Detail: "API quota exceeded, check billing details before resubmitting",
		}
	}
	if transientStatus[status] {
		return &TransientWorkerError{Worker: worker, Status: status, Detail: detail}
	}
	return &FatalWorkerError{Worker: worker, Status: status, Detail: detail}
}

// ClassifyTransport maps an error from http.Client.Do. Timeouts, refused and
// reset connections are transient; cancellation and anything unrecognized
// are fatal.
func ClassifyTransport(worker string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &FatalWorkerError{Worker: worker, Detail: "request cancelled", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransientWorkerError{Worker: worker, Detail: "request timed out", Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &TransientWorkerError{Worker: worker, Detail: "connection failed", Err: err}
	}
	return &FatalWorkerError{Worker: worker, Err: err}
}

func snippet(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) > maxDetail {
		cut := maxDetail
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		return string(body[:cut]) + "..."
	}
	return string(body)
}
