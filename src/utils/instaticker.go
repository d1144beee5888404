package utils

import (
	"sync"
	"time"
)

// Like a time.Ticker, but the first tick arrives immediately. Periodic jobs
// use it so that a fresh process does its first pass without waiting a full
// interval.
type InstaTicker struct {
	C <-chan time.Time

	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

func NewInstaTicker(d time.Duration) *InstaTicker {
	c := make(chan time.Time)
	it := &InstaTicker{
		C:      c,
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}

	go func() {
		select {
		case c <- time.Now():
		case <-it.done:
			return
		}
		for {
			select {
			case t := <-it.ticker.C:
				select {
				case c <- t:
				case <-it.done:
					return
				}
			case <-it.done:
				return
			}
		}
	}()

	return it
}

// Stops the ticker. Safe to call more than once.
func (it *InstaTicker) Stop() {
	it.stopOnce.Do(func() {
		it.ticker.Stop()
		close(it.done)
	})
}
