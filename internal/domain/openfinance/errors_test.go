package openfinance

import (
	"errors"
	"fmt"
	"testing"

	"finsync/internal/domain/account"
	"finsync/internal/domain/credential"
	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/transaction"
	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/connector"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"account not found", fmt.Errorf("failed to get account: %w", account.ErrAccountNotFound), KindNotFound},
		{"enrollment not found", enrollment.ErrEnrollmentNotFound, KindNotFound},
		{"forbidden", transaction.ErrForbidden, KindForbidden},
		{"sync in progress", ErrSyncInProgress, KindConflict},
		{"disabled", account.ErrAccountDisabled, KindConflict},
		{"external id conflict", transaction.ErrExternalIDConflict, KindConflict},
		{"credential", fmt.Errorf("%w: %w", ErrCredentialUnavailable, credential.ErrIntegrity), KindCredential},
		{"unauthorized", connector.ErrUnauthorized, KindCredential},
		{"not linked", account.ErrNotLinked, KindCaller},
		{"invalid input", errors.Join(transaction.ErrInvalidInput, errors.New("amount")), KindCaller},
		{"provider owned", transaction.ErrProviderOwned, KindCaller},
		{"bad signature", webhook.ErrInvalidSignature, KindUnauthenticated},
		{"transient", fmt.Errorf("list: %w", connector.ErrTransient), KindRemote},
		{"rate limited", &connector.RateLimitError{}, KindRemote},
		{"request error", &connector.RequestError{StatusCode: 400}, KindRemote},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
