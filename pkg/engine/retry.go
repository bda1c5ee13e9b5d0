package engine

import (
	"time"

	"github.com/tombee/helmsman/pkg/flow"
	"github.com/tombee/helmsman/pkg/tool"
)

// RetryDecision is the result of evaluating whether a failed attempt should
// be retried.
type RetryDecision struct {
	Retry   bool
	Reason  string
	Backoff time.Duration
}

// evaluateRetry decides whether a failed attempt is retried.
//
// attempt is 1-based and counts attempts already executed. Rules: no policy
// means no retry; attempts are capped at max_attempts; an empty
// retry_on_codes list retries any code, a non-empty list only its entries.
// Two codes are special: policy_denied is never retried (a governance deny
// does not heal), and system_error is retried only when a policy names it
// explicitly.
func evaluateRetry(attempt int, policy *flow.RetryPolicy, code string) RetryDecision {
	if policy == nil {
		return RetryDecision{Retry: false, Reason: "no_retry_policy"}
	}
	if attempt >= policy.MaxAttempts {
		return RetryDecision{Retry: false, Reason: "max_attempts_reached"}
	}
	if code == tool.CodePolicyDenied {
		return RetryDecision{Retry: false, Reason: "policy_denied_not_retryable"}
	}
	if code == tool.CodeSystemError && !listed(policy.RetryOnCodes, code) {
		return RetryDecision{Retry: false, Reason: "system_error_not_retryable"}
	}
	if !policy.Retryable(code) {
		return RetryDecision{Retry: false, Reason: "error_code_not_retryable"}
	}
	return RetryDecision{
		Retry:   true,
		Reason:  "retry_allowed",
		Backoff: time.Duration(policy.BackoffSeconds * float64(time.Second)),
	}
}

func listed(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
