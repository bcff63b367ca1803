package httpx

import (
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

// JS is the codec used for every JSON body on the wire.
var JS = jsoniter.ConfigFastest

// HandlerFunc is a function that handles HTTP requests and may return an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Wrap converts a HandlerFunc to an http.HandlerFunc by handling errors
func Wrap(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			Error(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// JSON writes a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = JS.NewEncoder(w).Encode(v)
	}
}

// Error writes a JSON error response with the given status code and message
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

// DecodeBody decodes a JSON request body into v
func DecodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := JS.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// StatusError describes a non-2xx response from a remote endpoint.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Temporary reports whether the server side failure is worth retrying elsewhere.
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// CheckResponse turns a non-2xx response into a *StatusError. The body is
// drained (bounded) so the connection can be reused.
func CheckResponse(endpoint string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: string(body)}
}
