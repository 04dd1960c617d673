package common

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"deal-escrow-go/internal/prime"
)

func TestWalletSetupError(t *testing.T) {
	pending := fmt.Errorf("%w: activity act-1", prime.ErrWalletPending)
	err := walletSetupError(pending)
	if !errors.Is(err, prime.ErrWalletPending) {
		t.Fatalf("Expected ErrWalletPending, got %v", err)
	}
	if !strings.Contains(err.Error(), "PRIME_ESCROW_WALLET_ID") {
		t.Errorf("Expected the wallet env var in %q", err.Error())
	}

	other := errors.New("forbidden")
	if got := walletSetupError(other); got != other {
		t.Errorf("Expected other errors unchanged, got %v", got)
	}
}
