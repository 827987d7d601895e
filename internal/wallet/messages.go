package wallet

import (
	"errors"

	"github.com/pawmorph/credits/pkg/credits"
)

// User-facing messages. The raw error never reaches the UI; ConcurrentUpdate
// and Timeout intentionally share one retryable message because the client
// cannot tell them apart anyway.
const (
	messageNoCredits = "You're out of credits. Purchase a pack to continue."
	messageTryAgain  = "That didn't go through. Please try again."
	messageSignIn    = "Please sign in again to continue."
	messageGeneric   = "Something went wrong. Please try again later."
)

func messageFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, credits.ErrNoCredits):
		return messageNoCredits
	case errors.Is(err, credits.ErrConcurrentUpdate), errors.Is(err, credits.ErrTimeout), errors.Is(err, ErrSpendInFlight):
		return messageTryAgain
	case errors.Is(err, credits.ErrUnauthenticated), errors.Is(err, credits.ErrForbidden):
		return messageSignIn
	default:
		return messageGeneric
	}
}
