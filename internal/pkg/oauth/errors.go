package oauth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// ProviderError wraps any failed call to the identity provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("google oauth %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying cannot help and the user must re-authorize.
func (e *ProviderError) Permanent() bool {
	var re *oauth2.RetrieveError
	if errors.As(e.Err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(e.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "token has been expired or revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether err is a permanent provider failure.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent()
}
