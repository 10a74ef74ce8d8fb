package scheduler

import "testing"

func TestConcurrencyCapLowerNeverGoesBelowOne(t *testing.T) {
	c := newConcurrencyCap(2)
	if got := c.Lower(); got != 1 {
		t.Errorf("Lower() = %d, want 1", got)
	}
	if got := c.Lower(); got != 1 {
		t.Errorf("Lower() again = %d, want 1 (floor)", got)
	}
}

func TestConcurrencyCapResetRestoresConfigured(t *testing.T) {
	c := newConcurrencyCap(4)
	c.Lower()
	c.Lower()
	c.Reset()
	if got := c.Effective(); got != 4 {
		t.Errorf("Effective() after Reset = %d, want 4", got)
	}
}

func TestConcurrencyCapDefaultsWhenZero(t *testing.T) {
	c := newConcurrencyCap(0)
	if got := c.Effective(); got != DefaultConcurrencyCap {
		t.Errorf("Effective() = %d, want default %d", got, DefaultConcurrencyCap)
	}
}
