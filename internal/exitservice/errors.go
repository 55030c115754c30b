// Package exitservice implements the read/write service surface external
// collaborators use to enqueue exit-proof tasks, query proofs, and report
// recovery progress (spec.md §4.8, C8). It is a pure Go interface layer —
// the HTTP/JSON façade itself is out of scope (spec.md §1) — returning the
// fixed integer error codes spec.md §6 defines rather than Go errors, so a
// thin transport adapter can marshal them directly.
package exitservice

// Code is the fixed integer error-code space spec.md §6 defines for API
// collaborators.
type Code int

const (
	Ok                     Code = 0
	ProofTaskAlreadyExists Code = 50
	ProofGenerating        Code = 51
	ProofCompleted         Code = 52
	NonBalance             Code = 60
	RecoverStateUnfinished Code = 70
	TokenNotExist          Code = 101
	AccountNotExist        Code = 102
	ChainNotExist          Code = 103
	ExitProofTaskNotExist  Code = 104
	InvalidL1L2Token       Code = 201
	InternalErr            Code = 500
)

// Error wraps a fixed Code with a human-readable message, never leaking
// internal stack traces to the API surface (spec.md §7 "API-surface
// errors always translate to the fixed integer code").
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }
