// Package apierror defines the gateway's JSON error contract. Handlers and
// middleware write every error through WriteJSON so clients always see the
// same machine-readable shape with a stable error code.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. Clients match on these strings, so existing codes
// must never be renamed or removed.
const (
	RouteNotFound         ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	Validation            ErrorCode = "GATEWAY_VALIDATION"
	UnknownProvider       ErrorCode = "GATEWAY_UNKNOWN_PROVIDER"
	UpstreamUnavailable   ErrorCode = "GATEWAY_UPSTREAM_UNAVAILABLE"
	UpstreamRejected      ErrorCode = "GATEWAY_UPSTREAM_REJECTED"
	UpstreamTimeout       ErrorCode = "GATEWAY_UPSTREAM_TIMEOUT"
	CircuitOpen           ErrorCode = "GATEWAY_CIRCUIT_OPEN"
	RequestCancelled      ErrorCode = "GATEWAY_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "GATEWAY_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "GATEWAY_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "GATEWAY_AUTH_INSUFFICIENT_SCOPE"
	TenantRequired        ErrorCode = "GATEWAY_TENANT_REQUIRED"
	RateLimitExceeded     ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	AdminForbidden        ErrorCode = "GATEWAY_ADMIN_FORBIDDEN"
	InternalError         ErrorCode = "GATEWAY_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "GATEWAY_BODY_TOO_LARGE"
	DeadlineExceeded      ErrorCode = "GATEWAY_DEADLINE_EXCEEDED"
)

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// cannedError pairs the canonical status and message for a code with its
// serialized body, built once at startup.
type cannedError struct {
	status  int
	message string
	body    []byte
}

// canned holds pre-built bodies for the errors the gateway emits in volume
// when things go wrong: breaker rejections, rate limiting, upstream
// failures. A canned body skips the per-response json.Encoder allocation.
// Bodies never carry a request_id, so they apply only when the request
// has none.
var canned = buildCanned(map[ErrorCode]cannedError{
	RouteNotFound:       {status: http.StatusNotFound, message: "no matching route"},
	UpstreamUnavailable: {status: http.StatusBadGateway, message: "upstream provider unavailable"},
	UpstreamTimeout:     {status: http.StatusGatewayTimeout, message: "upstream provider timed out"},
	CircuitOpen:         {status: http.StatusServiceUnavailable, message: "circuit breaker open"},
	RequestCancelled:    {status: http.StatusGatewayTimeout, message: "request cancelled"},
	AuthMissingToken:    {status: http.StatusUnauthorized, message: "missing or malformed Authorization header"},
	RateLimitExceeded:   {status: http.StatusTooManyRequests, message: "rate limit exceeded, retry later"},
})

func buildCanned(m map[ErrorCode]cannedError) map[ErrorCode]cannedError {
	for code, c := range m {
		b, _ := json.Marshal(ErrorResponse{
			Error:     http.StatusText(c.status),
			ErrorCode: string(code),
			Message:   c.message,
		})
		c.body = append(b, '\n')
		m[code] = c
	}
	return m
}

// WriteJSON writes a structured JSON error response. When the request
// carries an X-Request-ID header its value is echoed in the body;
// otherwise, codes with a canned body matching the given status and
// message are served from the pre-built table. The request may be nil in
// contexts where none is available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if c, ok := canned[code]; ok && c.status == status && c.message == message {
			w.Write(c.body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}
