package trigger

import (
	"fmt"
	"io"
	"net/http"
)

// Payload is an inbound webhook request as seen by the verifiers.
type Payload struct {
	Header http.Header
	Body   []byte
}

// NewPayload builds a payload from canonicalised header pairs and a body.
func NewPayload(headers map[string]string, body []byte) Payload {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return Payload{Header: h, Body: body}
}

// FromRequest reads at most limit bytes of the request body. A body larger
// than limit is an error.
func FromRequest(r *http.Request, limit int64) (Payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return Payload{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return Payload{}, ErrPayloadTooLarge
	}
	return Payload{Header: r.Header.Clone(), Body: body}, nil
}
