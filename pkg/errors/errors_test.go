package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindConfiguration, Classify(Wrap(ErrRateInactive, "resolve USD/SLE")))
	assert.Equal(t, KindPolicy, Classify(fmt.Errorf("daily window: %w", ErrLimitExceeded)))
	assert.Equal(t, KindConsistency, Classify(ErrReleaseFailed))
	assert.Equal(t, KindNotFound, Classify(ErrAccountNotFound))
	assert.Equal(t, KindUnknown, Classify(New("boom")))
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestCodeRoundTrip(t *testing.T) {
	err := Wrap(ErrAmountOutOfRange, "exchange amount")
	code := Code(err)
	assert.Equal(t, "AMOUNT_OUT_OF_RANGE", code)
	assert.ErrorIs(t, FromCode(code), ErrAmountOutOfRange)

	assert.Equal(t, "INTERNAL", Code(New("driver exploded")))
	assert.EqualError(t, FromCode("INTERNAL"), "operation failed (INTERNAL)")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))
}

func TestJoin_StuckReservationOutranksCause(t *testing.T) {
	err := Join(Wrap(ErrInsufficientFunds, "post"), ErrReleaseFailed)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.ErrorIs(t, err, ErrReleaseFailed)
	assert.Equal(t, KindConsistency, Classify(err))
	assert.Equal(t, "RELEASE_FAILED", Code(err))

	assert.Equal(t, KindPolicy, Classify(Join(ErrLimitExceeded, New("audit write failed"))))
}
