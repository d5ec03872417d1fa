package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrSessionMissing is returned by calls that need a signed-in session.
var ErrSessionMissing = errors.New("auth session missing")

// AuthError is a non-2xx response from the auth API.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// Retryable reports whether the request may succeed if repeated.
func (e *AuthError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsAuthError reports whether err is an AuthError with the given status.
func IsAuthError(err error, status int) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Status == status
}

// errorBody covers both the legacy GoTrue shape ({error, error_description})
// and the newer one ({code, error_code, msg}).
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorBody
	_ = json.Unmarshal(raw, &body)

	ae := &AuthError{Status: resp.StatusCode, Code: body.ErrorCode}
	switch {
	case body.ErrorDescription != "":
		ae.Message = body.ErrorDescription
	case body.Msg != "":
		ae.Message = body.Msg
	case body.Message != "":
		ae.Message = body.Message
	case body.Error != "":
		ae.Message = body.Error
	default:
		ae.Message = fmt.Sprintf("auth request failed with status %d", resp.StatusCode)
	}
	if ae.Code == "" {
		ae.Code = body.Error
	}
	return ae
}
