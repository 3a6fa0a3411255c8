package main

import "fmt"

// remoteError wraps the {kind, message} error envelope pulsedb's session
// protocol returns, so exitCodeFor can tell a rejected request (exit 1)
// from a broken connection or a server bug (exit 2).
type remoteError struct {
	Kind    string
	Message string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// userKinds mirrors the apperror kinds that represent a caller mistake
// rather than a server-side failure (spec.md §6/§7).
var userKinds = map[string]bool{
	"InvalidArgument":   true,
	"Unauthorized":      true,
	"NotFound":          true,
	"Conflict":          true,
	"RateLimited":       true,
	"UserLimitExceeded": true,
	"IndexNotReady":     true,
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if re, ok := err.(*remoteError); ok && userKinds[re.Kind] {
		return 1
	}
	return 2
}
