package httpclient

import "fmt"

// HTTPError is the common shape behind all four retry-classification
// variants (spec §4.1/§7): message, optional status code, optional raw
// response body, optional decoded payload.
type HTTPError struct {
	Variant      string
	Message      string
	StatusCode   *int
	ResponseText string
	Payload      any
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if e.StatusCode != nil {
		msg = fmt.Sprintf("%s | status=%d", msg, *e.StatusCode)
	}
	if e.ResponseText != "" {
		msg = fmt.Sprintf("%s | response=%s", msg, e.ResponseText)
	}
	return msg
}

func newErr(variant, message string, status *int, body string, payload any) *HTTPError {
	return &HTTPError{Variant: variant, Message: message, StatusCode: status, ResponseText: body, Payload: payload}
}

// Fatal is a non-retryable error: any 4xx except 403/429, or a structurally
// malformed success response.
type Fatal struct{ *HTTPError }

// RateLimited corresponds to HTTP 429, exhausted after the retry budget.
type RateLimited struct{ *HTTPError }

// WafLimited corresponds to HTTP 403, exhausted after the retry budget.
type WafLimited struct{ *HTTPError }

// Transient covers 5xx, timeouts, connection errors, and JSON-decode
// failures on an otherwise-2xx response, exhausted after the retry budget.
type Transient struct{ *HTTPError }

func NewFatal(message string, status *int, body string, payload any) *Fatal {
	return &Fatal{newErr("fatal", message, status, body, payload)}
}

func NewRateLimited(message string, status *int, body string, payload any) *RateLimited {
	return &RateLimited{newErr("rate_limited", message, status, body, payload)}
}

func NewWafLimited(message string, status *int, body string, payload any) *WafLimited {
	return &WafLimited{newErr("waf_limited", message, status, body, payload)}
}

func NewTransient(message string, status *int, body string, payload any) *Transient {
	return &Transient{newErr("transient", message, status, body, payload)}
}
