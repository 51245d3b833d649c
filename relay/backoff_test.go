package relay

import "testing"

func TestBackoffClampsToLastStep(t *testing.T) {
	b := Backoff{StepsMs: []int{100, 200, 300}}
	d := b.Duration(10)
	if d < 300e6 || d > 300e6*1.26 {
		t.Fatalf("expected attempt beyond table to clamp near last step, got %v", d)
	}
}

func TestBackoffEmptyTableDefaultsToOneSecond(t *testing.T) {
	b := Backoff{}
	if d := b.Duration(0); d.Seconds() != 1 {
		t.Fatalf("expected 1s default delay for an empty step table, got %v", d)
	}
}
