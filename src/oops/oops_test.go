package oops

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

var errSample = errors.New("the reviewable moved under us")

type sampleErrorType struct {
	Message string
}

func (s sampleErrorType) Error() string {
	return s.Message
}

func init() {
	zerolog.ErrorStackMarshaler = ZerologStackMarshaler
}

func TestNew(t *testing.T) {
	t.Run("errors.Is", func(t *testing.T) {
		err := New(errSample, "failed to approve reviewable %d", 12)
		assert.True(t, errors.Is(err, errSample))
		assert.Equal(t, "failed to approve reviewable 12: the reviewable moved under us", err.Error())
	})
	t.Run("errors.As", func(t *testing.T) {
		err := New(sampleErrorType{Message: "bad flag"}, "test error")
		var sErr sampleErrorType
		assert.True(t, errors.As(err, &sErr))
		assert.Equal(t, "bad flag", sErr.Message)
	})
	t.Run("nested", func(t *testing.T) {
		err := New(New(errSample, "inner"), "outer")
		assert.True(t, errors.Is(err, errSample))
	})
	t.Run("no wrapped error", func(t *testing.T) {
		err := New(nil, "nothing underneath")
		assert.Equal(t, "nothing underneath", err.Error())
	})
	t.Run("captures stack", func(t *testing.T) {
		err := New(nil, "with stack")
		var asOops *Error
		if assert.True(t, errors.As(err, &asOops)) {
			assert.NotEmpty(t, asOops.Stack)
			assert.Contains(t, asOops.Stack[0].Function, "TestNew")
		}
	})
}
