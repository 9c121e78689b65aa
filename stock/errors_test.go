package stock

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		client    bool
		notFound  bool
	}{
		{"validation", invalid("quantity", "must be greater than 0"), false, true, false},
		{"not found", &NotFoundError{Kind: "medicine", ID: "x"}, false, false, true},
		{"price mismatch", &PriceMismatchError{BatchNumber: "B1"}, false, true, false},
		{"insufficient", &InsufficientStockError{Available: 3, Requested: 7}, false, true, false},
		{"lock", &LockUnavailableError{Key: "k", Attempts: 4}, true, false, false},
		{"cas", fmt.Errorf("update: %w", ErrConcurrentModification), true, false, false},
		{"duplicate batch", fmt.Errorf("create: %w", ErrDuplicateBatch), false, true, false},
		{"partial", &PartialAllocationError{Cause: ErrConcurrentModification}, false, false, false},
		{"plain", errors.New("disk full"), false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err), "retryable")
			assert.Equal(t, tc.client, IsClientError(tc.err), "client")
			assert.Equal(t, tc.notFound, IsNotFound(tc.err), "not found")
		})
	}
}

func TestLockUnavailable_WrapsCause(t *testing.T) {
	err := &LockUnavailableError{Key: "k", Attempts: 1, Cause: context.DeadlineExceeded}
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPartialAllocation_Unwrap(t *testing.T) {
	pe := &PartialAllocationError{MedicineID: "m", Stage: StageLedgerAppend}
	assert.ErrorIs(t, pe, ErrPartialAllocation)
	assert.Contains(t, pe.Error(), StageLedgerAppend)

	pe.Cause = ErrConcurrentModification
	assert.ErrorIs(t, pe, ErrConcurrentModification)
}
