package store

import (
	"errors"
	"fmt"
	"testing"
)

// Compile-time checks that the interfaces are importable and usable.
func TestStoreInterfacesExist(t *testing.T) {
	var _ DealStore
	var _ Journal
	_ = CreateDealParams{}
}

func TestSentinelErrorsWrap(t *testing.T) {
	err := fmt.Errorf("update deal 7: %w", ErrConcurrentModification)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("Expected wrapped ErrConcurrentModification, got %v", err)
	}
	if errors.Is(err, ErrDealNotFound) {
		t.Error("Did not expect ErrDealNotFound")
	}
}
