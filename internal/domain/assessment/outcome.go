package assessment

import (
	"fmt"

	"github.com/woundcare/woundcare/internal/platform/apierr"
)

// OutcomeKind discriminates a gateway result that reached the provider.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeBlocked
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Outcome is what the provider answered. Text is set for OutcomeSuccess and
// BlockReason for OutcomeBlocked. Transport failures are returned as a
// *TransportError instead of an Outcome.
type Outcome struct {
	Kind        OutcomeKind
	Text        string
	BlockReason string
	Model       string
	Attempts    int
}

// TransportError reports that no candidate could be evaluated after all
// attempts.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("model request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == apierr.ErrTransport }

// ParseError reports a model response that does not satisfy the contract.
// Raw holds the offending text as received.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %s", apierr.ErrParse, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == apierr.ErrParse }
