package metrics

import (
	"net/http"
	"time"
)

// ResponseRecorder captures the status a handler writes so the metrics and
// request-logging middleware can label the request after the fact. The
// portal serves buffered HTML pages, so beyond status capture only Flush is
// forwarded to the underlying writer.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
}

// NewResponseRecorder wraps w. Status defaults to 200 because handlers
// that never call WriteHeader send it implicitly.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status returns the status code the handler wrote.
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

// Flush passes flushes through when the underlying writer supports them.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// HTTPMiddleware counts each request and its duration on the recorder,
// falling back to the process-wide default recorder when nil. Paths are
// normalized inside ObserveRequest so record subjects do not blow up the
// label space.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		rec.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
	})
}
