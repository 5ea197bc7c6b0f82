// Package rpcapi exposes the Node over JSON-RPC 2.0, wiring each
// component's public surface to the eth_*/net_*/web3_* method set plus a
// small set of test-only endpoints, all behind go-ethereum's own rpc
// package transport.
package rpcapi

import (
	"errors"

	"github.com/simnode/simnode/errs"
)

// rpcError is the concrete type returned from every API method on
// failure. It satisfies both rpc.Error (Error() string, ErrorCode() int)
// and rpc.DataError (ErrorData() interface{}), the two interfaces
// go-ethereum's rpc server inspects when marshaling a JSON-RPC error
// response, so a caller sees the taxonomy's code and, where present
// (execution reverts), the raw return data alongside the message.
type rpcError struct {
	code int
	msg  string
	data any
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }
func (e *rpcError) ErrorData() any { return e.data }

// JSON-RPC error codes. executionErrorCode is the code geth documents for
// a reverted call (see the JSON-RPC Error Codes Improvement Proposal);
// the rest follow EIP-1474 plus the server-error range most clients
// reserve for resource-not-found and internal faults.
const (
	codeInvalidParams     = -32602
	codeTransactionReject = -32003
	codeMethodNotSupport  = -32004
	codeResourceNotFound  = -32001
	codeServerError       = -32000
	codeInternalError     = -32603
	executionErrorCode    = 3
)

// mapErr translates the node-wide error taxonomy into a JSON-RPC error,
// by Kind rather than by inspecting the message, matching the reasoning
// the taxonomy was designed to support in the first place. A nil input
// always returns nil so call sites can write `return mapErr(err)` without
// a separate nil check.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if !errors.As(err, &e) {
		return &rpcError{code: codeInternalError, msg: err.Error()}
	}
	switch e.Kind {
	case errs.KindInputMalformed:
		return &rpcError{code: codeInvalidParams, msg: e.Error()}
	case errs.KindTxInvalid:
		return &rpcError{code: codeTransactionReject, msg: e.Error()}
	case errs.KindExecutionRevert:
		return &rpcError{code: executionErrorCode, msg: "execution reverted: " + e.Msg, data: e.Data}
	case errs.KindBlockNotFound, errs.KindDataUnavailable:
		return &rpcError{code: codeResourceNotFound, msg: e.Error()}
	case errs.KindForkProvider:
		return &rpcError{code: codeInternalError, msg: "internal error: " + e.Error()}
	case errs.KindUnsupported:
		return &rpcError{code: codeServerError, msg: e.Error()}
	default:
		return &rpcError{code: codeInternalError, msg: e.Error()}
	}
}

func invalidParams(msg string) error {
	return &rpcError{code: codeInvalidParams, msg: msg}
}

func notFound(msg string) error {
	return &rpcError{code: codeResourceNotFound, msg: msg}
}
