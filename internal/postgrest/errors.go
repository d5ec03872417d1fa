package postgrest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Error codes the callers branch on.
const (
	CodeNoRows          = "PGRST116"
	CodeRLSViolation    = "42501"
	CodeUniqueViolation = "23505"
	CodeForeignKey      = "23503"
)

// Error is a PostgREST error response ({code, message, details, hint}).
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("postgrest: %s", e.Message)
	}
	return fmt.Sprintf("postgrest: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a PostgREST error with the given code.
func IsCode(err error, code string) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	pe := &Error{}
	if err := json.Unmarshal(raw, pe); err != nil {
		// details/hint may arrive as non-strings; keep what decodes.
		var loose struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &loose)
		pe = &Error{Code: loose.Code, Message: loose.Message}
	}
	pe.Status = resp.StatusCode
	if pe.Message == "" {
		pe.Message = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}
	return pe
}
