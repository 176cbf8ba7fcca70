package marketplace

import (
	"encoding/json"
	"net/http"
)

// Response is the outcome of a marketplace call. Raw always carries the
// exact server bytes: binary payloads (ZIP archives, Excel reports)
// must flow through untouched, so no charset decoding ever happens on
// the response body.
type Response struct {
	StatusCode int
	Header     http.Header
	Raw        []byte
}

// JSON decodes the raw body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
