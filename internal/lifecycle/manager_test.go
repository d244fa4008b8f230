package lifecycle

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestClose_ReverseOrder(t *testing.T) {
	m := NewManager(zerolog.Nop())

	var order []string
	for _, name := range []string{"store", "engine", "server"} {
		name := name
		m.RegisterFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"server", "engine", "store"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("close order = %v, want %v", order, want)
		}
	}
}

func TestClose_RunsAllAndReturnsFirstError(t *testing.T) {
	m := NewManager(zerolog.Nop())

	errFirst := errors.New("first failure")
	var lastRan bool
	m.RegisterFunc("last", func() error {
		lastRan = true
		return nil
	})
	m.RegisterFunc("middle", func() error { return errFirst })
	m.RegisterFunc("closed-first", func() error { return errors.New("second failure") })

	err := m.Close()
	if !lastRan {
		t.Error("a failing closer must not stop later cleanup")
	}
	if err == nil || err.Error() != "second failure" {
		t.Errorf("err = %v, want the first error encountered in close order", err)
	}
}
