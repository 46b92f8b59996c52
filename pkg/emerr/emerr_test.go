// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package emerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFallsBackToKindString(t *testing.T) {
	err := New(KindNotStarted, "monitor.Stop", "")
	assert.Equal(t, "monitor.Stop: no measurement interval is open", err.Error())
}

func TestErrorMessageOverridesKindString(t *testing.T) {
	err := New(KindBadConfig, "config.Validate", "sampling interval must be positive")
	assert.Equal(t, "config.Validate: sampling interval must be positive", err.Error())
}

func TestWrapIncludesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindNetworkError, "sbpdu.read", cause)
	assert.Contains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, err, cause)
}

func TestOfExtractsKind(t *testing.T) {
	err := New(KindAlreadyStarted, "monitor.Start", "")
	assert.Equal(t, KindAlreadyStarted, Of(err))
}

func TestOfReturnsUnknownForForeignErrors(t *testing.T) {
	assert.Equal(t, KindUnknown, Of(errors.New("not an emerr.Error")))
}

func TestErrorsIsMatchesOnKind(t *testing.T) {
	a := New(KindNotStarted, "op-a", "")
	b := New(KindNotStarted, "op-b", "different message")
	assert.True(t, errors.Is(a, b))
}

func TestErrorsIsDoesNotMatchDifferentKind(t *testing.T) {
	a := New(KindNotStarted, "op", "")
	b := New(KindAlreadyStarted, "op", "")
	assert.False(t, errors.Is(a, b))
}

func TestMarkRetryableRoundTrip(t *testing.T) {
	cause := New(KindNetworkError, "dial", "refused")
	wrapped := MarkRetryable(cause)
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestMarkRetryableNilIsNil(t *testing.T) {
	assert.Nil(t, MarkRetryable(nil))
}

func TestIsRetryableFalseForPlainError(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("boring")))
}
