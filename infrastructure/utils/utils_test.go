package utils

import (
	"errors"
	"sync"
	"testing"
)

func TestRecoverRunsFnNormally(t *testing.T) {
	ran := false
	Recover(func() { ran = true }, func(error) { t.Fatal("onPanic should not be called") })
	if !ran {
		t.Fatal("expected fn to run")
	}
}

func TestRecoverCatchesPanicWithError(t *testing.T) {
	var mu sync.Mutex
	var got error
	Recover(func() { panic(errors.New("boom")) }, func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})
	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Error() != "boom" {
		t.Fatalf("expected recovered error \"boom\", got %v", got)
	}
}

func TestRecoverCatchesPanicWithNonError(t *testing.T) {
	var got error
	Recover(func() { panic("something broke") }, func(err error) { got = err })
	if got == nil {
		t.Fatalf("expected a non-nil wrapped error")
	}
}
