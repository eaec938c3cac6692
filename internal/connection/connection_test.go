package connection

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	min := 100 * time.Millisecond
	max := 1000 * time.Millisecond

	for i := 0; i < 10; i++ {
		d := Backoff(min, max)
		if d < min || d > max+250*time.Millisecond {
			t.Errorf("Backoff %v outside range [%v, %v]", d, min, max+250*time.Millisecond)
		}
	}

	d := Backoff(min, min)
	if d < min || d > min+250*time.Millisecond {
		t.Errorf("Backoff %v outside range [%v, %v]", d, min, min+250*time.Millisecond)
	}
}
