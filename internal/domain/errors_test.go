package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindClassification(t *testing.T) {
	validation := NewValidationError("recipients", errors.New("no recipients"))
	transient := NewTransientError("smtp_send", errors.New("timeout"))
	permanent := NewPermanentError("smtp_send", errors.New("550 rejected"))

	assert.True(t, IsValidation(validation))
	assert.True(t, IsTransient(transient))
	assert.True(t, IsPermanent(permanent))

	assert.False(t, IsTransient(validation))
	assert.False(t, IsPermanent(transient))
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	inner := NewPermanentError("smtp_send", errors.New("550"))
	wrapped := fmt.Errorf("pipeline: %w", inner)
	assert.Equal(t, ErrorKindPermanent, KindOf(wrapped))
}

func TestKindOfDefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrorKindTransient, KindOf(errors.New("something broke")))
}

func TestProcessingErrorMessage(t *testing.T) {
	err := NewValidationError("attachments", errors.New("bad base64"))
	assert.Contains(t, err.Error(), "validation")
	assert.Contains(t, err.Error(), "attachments")
	assert.Contains(t, err.Error(), "bad base64")

	assert.Equal(t, "bad base64", errors.Unwrap(err).Error())
}
