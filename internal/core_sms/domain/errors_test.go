package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderError_MatchesTaxonomy(t *testing.T) {
	transient := NewTransientProviderError(ProviderCodeNetwork, "timeout", 0, errors.New("i/o timeout"))
	permanent := NewPermanentProviderError(ProviderCodeSenderUnregistered, "111", "sender id not registered", 400)

	wrapped := fmt.Errorf("send chunk: %w", transient)
	assert.True(t, errors.Is(wrapped, ErrProviderTransient))
	assert.False(t, errors.Is(wrapped, ErrProviderPermanent))
	assert.True(t, IsRetryable(wrapped))

	assert.True(t, errors.Is(permanent, ErrProviderPermanent))
	assert.False(t, IsRetryable(permanent))
	assert.Equal(t, ProviderCodeSenderUnregistered, ErrorCode(fmt.Errorf("x: %w", permanent)))
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	assert.True(t, errors.Is(NewValidationError("label", "too long"), ErrValidation))
	assert.True(t, errors.Is(&NormalizationError{Input: "abc"}, ErrNormalization))
	assert.Equal(t, "validation", ErrorCode(NewValidationError("body", "empty")))
	assert.Equal(t, "insufficient_credit", ErrorCode(fmt.Errorf("reserve: %w", ErrInsufficientCredit)))
	assert.Equal(t, "receipt_too_early", ErrorCode(fmt.Errorf("apply: %w", ErrReceiptTooEarly)))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
}
