package action

import "encoding/json"

type ErrorCode string

const (
	CodeUnknownAction ErrorCode = "unknown_action"
	CodeMissingInput  ErrorCode = "missing_input"
)

// Error is a caller-facing failure carried inside a Result. It never
// aborts an invocation.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Result is either a success payload or an *Error. On the wire both share
// one flat object: the payload's own fields, or {"error": message}.
type Result struct {
	Value any
	Err   *Error
}

func Success(value any) Result {
	return Result{Value: value}
}

func Failure(code ErrorCode, message string) Result {
	return Result{Err: &Error{Code: code, Message: message}}
}

func (r Result) OK() bool {
	return r.Err == nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{Error: r.Err.Message})
	}
	return json.Marshal(r.Value)
}
