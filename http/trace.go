// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"strings"
)

// HttpTrace gathers information during the HTTP request/response cycle.
type HttpTrace struct {
	WaitedFor100Continue bool
	Seen100Continue      bool
}

type traceContextKey struct{}

// WithHttpTrace returns a copy of ctx that records into trace when a
// Transport with HTTP logging sends a request made with it.
func WithHttpTrace(ctx context.Context, trace *HttpTrace) context.Context {
	return context.WithValue(ctx, traceContextKey{}, trace)
}

func GetHttpTrace(ctx context.Context) *HttpTrace {
	trace, _ := ctx.Value(traceContextKey{}).(*HttpTrace)
	return trace
}

func (t *Transport) setupLogging(req *http.Request) *http.Request {
	trace := GetHttpTrace(req.Context())
	if trace == nil {
		trace = &HttpTrace{}
		req = req.WithContext(WithHttpTrace(req.Context(), trace))
	}

	if httptrace.ContextClientTrace(req.Context()) != nil {
		return req
	}

	ct := &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			t.logger.Debug("getting connection", "host", hostPort)
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.logger.Debug("obtained connection", "local", addrString(info.Conn.LocalAddr()), "remote", addrString(info.Conn.RemoteAddr()), "reused", info.Reused)
		},
		WroteHeaders: func() {
			t.logger.Debug("wrote headers")
		},
		Wait100Continue: func() {
			t.logger.Debug("waiting for 100-continue")
			trace.WaitedFor100Continue = true
		},
		Got100Continue: func() {
			t.logger.Debug("got 100-continue")
			trace.Seen100Continue = true
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			t.logger.Debug("wrote request", "error", info.Err)
		},
		GotFirstResponseByte: func() {
			t.logger.Debug("got first response byte")
		},
	}

	return req.WithContext(httptrace.WithClientTrace(req.Context(), ct))
}

func addrString(a fmt.Stringer) string {
	if a == nil {
		return "<not network>"
	}
	return a.String()
}

func (t *Transport) requestLogging(req *http.Request) error {
	// the body is not dumped
	by, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		return fmt.Errorf("failed to dump request: %w", err)
	}

	t.logLines("> ", by)
	return nil
}

func (t *Transport) responseLogging(resp *http.Response) error {
	by, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return fmt.Errorf("failed to dump response: %w", err)
	}

	t.logLines("< ", by)
	return nil
}

func (t *Transport) logLines(prefix string, dump []byte) {
	for _, line := range strings.Split(strings.TrimRight(string(dump), "\r\n"), "\n") {
		t.logger.Debug(prefix + strings.TrimRight(line, "\r"))
	}
}
