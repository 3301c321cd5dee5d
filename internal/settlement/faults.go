package settlement

import "fmt"

// Kind classifies why a settlement did not confirm.
type Kind int

const (
	// Validation: intent fields unusable or not matching the stored record.
	Validation Kind = iota + 1
	// Authentication: signature does not verify under the source public key.
	Authentication
	// BusinessRule: self-transfer or insufficient funds.
	BusinessRule
	// Consistency: a wallet or transaction the intent refers to is missing.
	Consistency
	// Infrastructure: store or cache unavailable. Never rejects; the intent is
	// left for redelivery.
	Infrastructure
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authentication:
		return "authentication"
	case BusinessRule:
		return "business_rule"
	case Consistency:
		return "consistency"
	case Infrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Reason codes persisted in transactions.reject_reason.
const (
	ReasonInvalidIntent       = "invalid_intent"
	ReasonIntentMismatch      = "intent_mismatch"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonSelfTransfer        = "self_transfer"
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonWalletNotFound      = "wallet_not_found"
	ReasonTransactionNotFound = "transaction_not_found"
)

// Fault is a failed settlement step. Everything except Infrastructure is a
// terminal business outcome.
type Fault struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s fault: %s", f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s fault: %s: %v", f.Kind, f.Reason, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Retryable reports whether the intent should be redelivered.
func (f *Fault) Retryable() bool { return f.Kind == Infrastructure }

func reject(kind Kind, reason string, err error) *Fault {
	return &Fault{Kind: kind, Reason: reason, Err: err}
}

// infra wraps err; stage names the step that failed.
func infra(stage string, err error) *Fault {
	return &Fault{Kind: Infrastructure, Reason: stage, Err: err}
}
