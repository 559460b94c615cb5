package middleware

import "net/http"

// ResponseCapture wraps http.ResponseWriter to capture the status code
// and bytes written. Needed by the logging middleware since
// http.ResponseWriter doesn't expose the status after WriteHeader(),
// and also surfaces which backend actually served the request (stamped
// by httpapi from the dispatcher's result onto X-Backend-URL) so the
// access log can attribute a request to a backend without the logging
// middleware knowing anything about the dispatcher.
type ResponseCapture struct {
	http.ResponseWriter
	StatusCode int
	Written    int64
}

// NewResponseCapture wraps a ResponseWriter.
func NewResponseCapture(w http.ResponseWriter) *ResponseCapture {
	return &ResponseCapture{
		ResponseWriter: w,
		StatusCode:     http.StatusOK, // default if WriteHeader is never called
	}
}

// WriteHeader captures the status code then delegates.
func (rc *ResponseCapture) WriteHeader(code int) {
	rc.StatusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

// Write captures bytes written then delegates.
func (rc *ResponseCapture) Write(b []byte) (int, error) {
	n, err := rc.ResponseWriter.Write(b)
	rc.Written += int64(n)
	return n, err
}

// BackendURL reports which backend served the request, as stamped on
// the response by httpapi's dispatch handler. Empty for error
// responses and requests that never reached the dispatcher (OPTIONS,
// favicon, /metrics).
func (rc *ResponseCapture) BackendURL() string {
	return rc.Header().Get("X-Backend-URL")
}
