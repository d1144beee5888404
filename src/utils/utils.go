package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.handmade.network/hmn/reviewq/src/oops"
)

// Returns the provided value, or a default value if the input was zero.
func OrDefault[T comparable](v T, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Panics on error. Meant for migrations and CLI setup, where there is no
// sensible way to continue.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}

func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func Ptr[T any](v T) *T {
	return &v
}

/*
Recover a panic and convert it to a returned error. Call it like so:

	func MyFunc() (err error) {
		defer utils.RecoverPanicAsError(&err)
	}

If an error was already set when the panic happened, both end up in the chain,
so errors.Is still matches the original.
*/
func RecoverPanicAsError(err *error) {
	if r := recover(); r != nil {
		var recovered error
		if rerr, ok := r.(error); ok {
			recovered = rerr
		} else {
			recovered = fmt.Errorf("panic with value: %v", r)
		}
		if *err != nil {
			recovered = errors.Join(recovered, *err)
		}
		*err = oops.New(recovered, "panic recovered as error")
	}
}

var ErrSleepInterrupted = errors.New("sleep interrupted by context cancellation")

func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ErrSleepInterrupted
	case <-timer.C:
		return nil
	}
}
