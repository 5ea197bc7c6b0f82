package vm

import "errors"

// These classify the invalid-in-block outcomes named in spec §4.D: a
// nonce mismatch, insufficient funds, or a gas limit above the block's.
// A call into an account carrying real contract code is also rejected
// here, since running real bytecode is out of scope for this
// interpreter.
var (
	errNonceMismatch     = errors.New("nonce mismatch")
	errInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	errExceedsBlockGas   = errors.New("gas limit exceeds block gas limit")
	errCallToContract    = errors.New("call into contract code is unsupported by this interpreter")
)
