package llm

import "net/http"

func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuth
	case code == http.StatusForbidden:
		return KindAccessDenied
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindBadRequest
	default:
		return KindUnexpected
	}
}
