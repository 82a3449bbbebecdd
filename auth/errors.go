package auth

import "errors"

// PermanentAuthFailure marks an authentication failure that retrying cannot
// fix: invalid_grant/unauthorized_client responses, or an Xbox error code
// indicating the account lacks Xbox Live (2148916233) or is a child account
// (2148916238). Never retried. ServerSupervisor.Initialize and Recover skip
// an identity that fails this way and go on with the server's other
// identities; whether other servers keep starting when a server ends up with
// no usable identity is decided by ContinueOnServerFailure.
type PermanentAuthFailure struct {
	Email  string
	Reason string
}

func (e *PermanentAuthFailure) Error() string {
	return "permanent auth failure for " + e.Email + ": " + e.Reason
}

// TransientAuthFailure marks a failure the retry ladder should keep trying:
// network errors, malformed/truncated responses, rate limiting, timeouts.
type TransientAuthFailure struct {
	Email  string
	Reason string
	Cause  error
}

func (e *TransientAuthFailure) Error() string {
	if e.Cause != nil {
		return "transient auth failure for " + e.Email + ": " + e.Reason + ": " + e.Cause.Error()
	}
	return "transient auth failure for " + e.Email + ": " + e.Reason
}

func (e *TransientAuthFailure) Unwrap() error { return e.Cause }

// ErrDeadlineExceeded is returned when Authenticate's overall deadline
// (default 15 minutes) elapses before a usable token is obtained.
var ErrDeadlineExceeded = errors.New("auth: deadline exceeded")

// xboxPermanentReason maps an Xbox Live body-level error code to the permanent
// failure it represents, or "" if the code is not known to be permanent.
func xboxPermanentReason(code int64) string {
	switch code {
	case 2148916233:
		return "account lacks Xbox Live profile"
	case 2148916238:
		return "child account restriction"
	default:
		return ""
	}
}
