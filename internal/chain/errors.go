package chain

import "errors"

// Sentinel errors recognized by the scheduler-specific error taxonomy
// (spec.md §4.4, §7). Transport errors are not sentinels — they're whatever
// the RPC client returns and are handled by a plain nil check plus retry.
var (
	// ErrSubscriptionNotFound is returned by the router when a subscription
	// id no longer resolves on-chain. Terminal: untrack.
	ErrSubscriptionNotFound = errors.New("chain: subscription not found")

	// ErrNoNextInterval indicates interval 1 has not yet been triggered by
	// the client. Protocol-logical: hold and wait, does not count as a retry.
	ErrNoNextInterval = errors.New("chain: no next interval")

	// ErrExecutionReverted covers simulation failure / revert on prepare.
	// Terminal: untrack.
	ErrExecutionReverted = errors.New("chain: execution reverted")

	// ErrZeroClient indicates the subscription's client address is the zero
	// address. Terminal: untrack.
	ErrZeroClient = errors.New("chain: zero client address")

	// ErrNonceUsed covers "nonce expired" / "nonce too low" / "nonce already
	// used" — someone else already submitted. Silently dropped, never
	// counted as a failure.
	ErrNonceUsed = errors.New("chain: nonce already used")

	// ErrArithmetic signals a panic-derived overflow/underflow from the
	// chain, treated as "interval already executed".
	ErrArithmetic = errors.New("chain: arithmetic over/underflow")
)

// NoNextIntervalSelector is the 4-byte custom-error selector recognized in
// addition to a named "NoNextInterval" revert reason (spec.md §4.4).
const NoNextIntervalSelector = "0x3cdc51d3"

// IsNonceUsed reports whether a raw error message from a submitted
// transaction indicates the request was already fulfilled by a racing agent.
func IsNonceUsed(msg string) bool {
	for _, s := range []string{"nonce expired", "nonce too low", "nonce already used"} {
		if containsFold(msg, s) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	// Small ASCII-only fold search; chain error strings are ASCII.
	hn, nn := len(haystack), len(needle)
	if nn == 0 {
		return 0
	}
	for i := 0; i+nn <= hn; i++ {
		if equalFold(haystack[i:i+nn], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
