package openfinance

import (
	"errors"

	"finsync/internal/domain/account"
	"finsync/internal/domain/credential"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/transaction"
	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"
)

var (
	// ErrSyncInProgress is returned when another sync holds the account lock.
	ErrSyncInProgress = account.ErrSyncInProgress
	// ErrCredentialUnavailable means the stored credential is missing or
	// failed its integrity check. The enrollment has been marked expired.
	ErrCredentialUnavailable = errors.New("enrollment credential unavailable, re-link required")
	// ErrRelinkRequired means the institution rejected the credential. The
	// enrollment has been marked revoked.
	ErrRelinkRequired = errors.New("institution rejected credential, re-link required")
	// ErrRemoteAccountMissing means the institution no longer reports the account.
	ErrRemoteAccountMissing = errors.New("institution no longer reports this account")
	// ErrEnrollmentConflict means the institution link belongs to another user.
	ErrEnrollmentConflict = errors.New("enrollment is linked to another user")
)

// Kind is the class of an error as seen by callers of this package.
type Kind int

const (
	KindInternal Kind = iota
	KindCaller
	KindNotFound
	KindForbidden
	KindConflict
	KindCredential
	// KindRemote covers provider failures that survived the retry policy.
	KindRemote
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindCaller:
		return "caller"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindCredential:
		return "credential"
	case KindRemote:
		return "remote"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "internal"
	}
}

// Classify maps any error produced by the domain, store or connectors onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}

	switch {
	case errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, enrollment.ErrEnrollmentNotFound),
		errors.Is(err, transaction.ErrTransactionNotFound),
		errors.Is(err, webhook.ErrEventNotFound):
		return KindNotFound

	case errors.Is(err, account.ErrForbidden),
		errors.Is(err, enrollment.ErrForbidden),
		errors.Is(err, transaction.ErrForbidden):
		return KindForbidden

	case errors.Is(err, ErrSyncInProgress),
		errors.Is(err, account.ErrAccountDisabled),
		errors.Is(err, account.ErrDuplicateAccount),
		errors.Is(err, transaction.ErrExternalIDConflict),
		errors.Is(err, ErrEnrollmentConflict):
		return KindConflict

	case errors.Is(err, ErrCredentialUnavailable),
		errors.Is(err, ErrRelinkRequired),
		errors.Is(err, enrollment.ErrInactive),
		errors.Is(err, credential.ErrIntegrity),
		errors.Is(err, credential.ErrMissing),
		errors.Is(err, connector.ErrUnauthorized):
		return KindCredential

	case errors.Is(err, webhook.ErrInvalidSignature):
		return KindUnauthenticated

	case errors.Is(err, account.ErrNotLinked),
		errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, account.ErrInvalidType),
		errors.Is(err, account.ErrInvalidCurrency),
		errors.Is(err, transaction.ErrInvalidInput),
		errors.Is(err, transaction.ErrProviderOwned),
		errors.Is(err, connector.ErrInvalidEnrollment),
		errors.Is(err, connector.ErrUnknownProvider),
		errors.Is(err, webhook.ErrMalformedPayload),
		errors.Is(err, webhook.ErrUnknownProvider):
		return KindCaller
	}

	var rl *connector.RateLimitError
	var re *connector.RequestError
	if errors.Is(err, connector.ErrTransient) || errors.Is(err, ErrRemoteAccountMissing) ||
		errors.As(err, &rl) || errors.As(err, &re) {
		return KindRemote
	}

	return KindInternal
}
