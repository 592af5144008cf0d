package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("load: %w", NewNotFoundError("abc"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestError_MessageCarriesContext(t *testing.T) {
	err := NewInvalidTransitionError("abc", StatusPending, StatusReady)
	assert.Equal(t, "invalid_transition: status transition not allowed (order abc, Pending -> Ready)", err.Error())

	cause := errors.New("connection refused")
	nerr := NewNetworkError("list orders", cause)
	assert.ErrorIs(t, nerr, cause)
	assert.Contains(t, nerr.Error(), "connection refused")
}
