package providers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/duskpoint/reverie/pkg/errs"
)

const responsePreviewLimit = 200

// httpError maps a non-2xx provider response onto the error taxonomy. The
// body preview is capped; it may contain user prompt fragments but never
// credentials.
func httpError(provider, model string, resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.APIKey(provider)
	case http.StatusTooManyRequests:
		return errs.RateLimit(provider, retryAfter(resp.Header))
	case http.StatusNotFound:
		return errs.ModelNotFound(model)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.InvalidRequest(preview(body))
	}
	return errs.Provider(provider, resp.StatusCode, preview(body))
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > responsePreviewLimit {
		s = s[:responsePreviewLimit]
	}
	return s
}
