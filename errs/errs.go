// Package errs defines the node-wide error taxonomy shared by the mempool,
// executor, fork client and RPC surface. Kinds are distinguished by type,
// not by string matching, so that the RPC layer can map them to JSON-RPC
// error codes without inspecting messages.
package errs

import "fmt"

// Kind classifies an error for the purposes of RPC error-code mapping.
type Kind int

const (
	KindInputMalformed Kind = iota
	KindTxInvalid
	KindExecutionRevert
	KindBlockNotFound
	KindDataUnavailable
	KindForkProvider
	KindUnsupported
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInputMalformed:
		return "InputMalformed"
	case KindTxInvalid:
		return "TxInvalid"
	case KindExecutionRevert:
		return "ExecutionRevert"
	case KindBlockNotFound:
		return "BlockNotFound"
	case KindDataUnavailable:
		return "DataUnavailable"
	case KindForkProvider:
		return "ForkProvider"
	case KindUnsupported:
		return "Unsupported"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried across component boundaries.
// Sub carries a finer-grained sub-code (e.g. a TxInvalid variant) that the
// RPC layer uses to pick a more specific message; it is empty when the
// Kind alone is descriptive enough.
type Error struct {
	Kind Kind
	Sub  string
	Msg  string
	Data any // raw revert data, attached for KindExecutionRevert
	Err  error
}

func (e *Error) Error() string {
	if e.Sub != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Sub, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

func WithSub(kind Kind, sub, msg string) *Error {
	return &Error{Kind: kind, Sub: sub, Msg: msg}
}

// Sub-codes for KindTxInvalid, mirroring the pre-admission rejection
// reasons enumerated in the pool's validation step.
const (
	SubNonceTooLow            = "NonceTooLow"
	SubNonceTooHigh           = "NonceTooHigh"
	SubNonceMax               = "NonceMax"
	SubInsufficientFunds      = "InsufficientFunds"
	SubFeeTooLow              = "FeeTooLow"
	SubGasTooLow              = "GasTooLow"
	SubGasTooHigh             = "GasTooHigh"
	SubInvalidChainID         = "InvalidChainId"
	SubInvalidSignature       = "InvalidSignature"
	SubReplacementUnderpriced = "ReplacementUnderpriced"
	SubAlreadyImported        = "AlreadyImported"
	SubCyclicTransaction      = "CyclicTransaction"
)

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
