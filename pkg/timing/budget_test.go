package timing

import (
	"testing"
	"time"
)

func TestDeadlineNilIsZero(t *testing.T) {
	if got := Deadline(time.Now(), nil); !got.IsZero() {
		t.Errorf("Deadline(nil) = %v, want zero", got)
	}
}

func TestDeadlineWithDuration(t *testing.T) {
	base := time.Unix(1000, 0)
	d := 5 * time.Second
	got := Deadline(base, &d)
	want := base.Add(5 * time.Second)
	if !got.Equal(want) {
		t.Errorf("Deadline() = %v, want %v", got, want)
	}
}

func TestBudgetReadDeadline(t *testing.T) {
	base := time.Unix(0, 0)
	b := Budget{Read: WithDuration(2 * time.Second)}
	if got, want := b.ReadDeadline(base), base.Add(2*time.Second); !got.Equal(want) {
		t.Errorf("ReadDeadline() = %v, want %v", got, want)
	}
	if !b.WriteDeadline(base).IsZero() {
		t.Error("WriteDeadline() should be zero when unset")
	}
}
