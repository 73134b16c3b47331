package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ResponseRecorder remembers the status a handler sent. It still satisfies
// http.Hijacker and http.Flusher so chat sockets and playlist streaming work
// through it.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// NewResponseRecorder wraps w. Wrapping an existing recorder returns it as is.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	if existing, ok := w.(*ResponseRecorder); ok {
		return existing
	}
	return &ResponseRecorder{ResponseWriter: w}
}

// Status is the code sent to the client, 200 when the handler never set one.
func (rr *ResponseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	rr.wroteHeader = true
	return rr.ResponseWriter.Write(p)
}

func (rr *ResponseRecorder) Flush() {
	rr.wroteHeader = true
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rr.status = http.StatusSwitchingProtocols
		rr.wroteHeader = true
	}
	return conn, buf, err
}

func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware observes every request under its chi route pattern, so
// session and viewer IDs never become label values.
func HTTPMiddleware(recorder *Recorder) func(http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rr := NewResponseRecorder(w)
			next.ServeHTTP(rr, r)
			recorder.ObserveRequest(r.Method, routeLabel(r), rr.Status(), time.Since(started))
		})
	}
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
