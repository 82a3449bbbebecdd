// Package auth implements the multi-stage Microsoft/Xbox Live authentication
// pipeline: device-code OAuth, the XASU/XASD/XSTS token ladder, an on-disk
// token cache, and the hardened XSTS response parser.
package auth

import (
	"fmt"
	"regexp"
	"time"
)

// Identity is the capability-bearing handle the rest of the system consumes.
// It is a value type by convention: re-authentication produces a new
// Identity and swaps it atomically rather than mutating fields in place.
type Identity struct {
	Email string
	Title string

	XUID      string
	UserHash  string
	XSTSToken string

	// AuthHeader is "XBL3.0 x=<UserHash>;<XSTSToken>", precomputed so callers
	// never reconstruct it by hand.
	AuthHeader string

	Method     string // strategy row name (e.g. "xbox_live"), "refresh", or "manual_xsts"
	IssuedAt   time.Time
	NotAfter   time.Time

	// Derived marks an Identity produced by the regex-fallback parser in
	// §4.2.1 step 4, where DisplayClaims could not be fully recovered.
	Derived bool
}

var authHeaderPattern = regexp.MustCompile(`^XBL3\.0 x=[^;]+;.+$`)

// Valid reports whether the identity satisfies the output guarantees named
// in §4.2 of the specification: an XUID of at least 10 characters, a
// non-empty user hash, an XSTS token of at least 100 characters, a
// well-formed authorization header, and a NotAfter strictly in the future.
func (id Identity) Valid(now time.Time) error {
	if len(id.XUID) < 10 {
		return fmt.Errorf("identity %s: XUID too short", id.Email)
	}
	if len(id.UserHash) == 0 {
		return fmt.Errorf("identity %s: missing user hash", id.Email)
	}
	if len(id.XSTSToken) < 100 {
		return fmt.Errorf("identity %s: XSTS token too short", id.Email)
	}
	if !authHeaderPattern.MatchString(id.AuthHeader) {
		return fmt.Errorf("identity %s: malformed authorization header", id.Email)
	}
	if !id.NotAfter.After(now) {
		return fmt.Errorf("identity %s: NotAfter %s is not in the future", id.Email, id.NotAfter)
	}
	return nil
}
