package hooks

import "net/http"

// Result is the business code returned to the media server.
type Result int

const (
	ResultSuccess           Result = 0
	ResultAuthDenied        Result = 1
	ResultInvalidFormat     Result = 2
	ResultUnsupportedAction Result = 3
	ResultInternalError     Result = 4
	ResultTimeout           Result = 5
	ResultNotReady          Result = 6
)

// HTTPStatus maps a Result to the transport status code.
func (r Result) HTTPStatus() int {
	switch r {
	case ResultSuccess, ResultAuthDenied, ResultInternalError:
		return http.StatusOK
	case ResultInvalidFormat:
		return http.StatusBadRequest
	case ResultUnsupportedAction:
		return http.StatusNotFound
	case ResultTimeout:
		return http.StatusGatewayTimeout
	case ResultNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body the media server consumes.
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Decision is the gateway's verdict on one hook before rendering.
type Decision struct {
	Result  Result
	Message string
}

// Allow is the positive decision.
func Allow() Decision {
	return Decision{Result: ResultSuccess, Message: "success"}
}

// Deny builds a negative decision with the given business code.
func Deny(result Result, message string) Decision {
	return Decision{Result: result, Message: message}
}

// Response renders the decision as a wire body.
func (d Decision) Response() Response {
	return Response{Code: int(d.Result), Msg: d.Message}
}
