package reconnect

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	if got := Delay(0); got != 500*time.Millisecond {
		t.Fatalf("Delay(0) = %v; want 500ms", got)
	}
	if got := Delay(len(Schedule) - 1); got != 15*time.Second {
		t.Fatalf("Delay(last) = %v; want 15s", got)
	}
	if got := Delay(len(Schedule)); got != 30*time.Second {
		t.Fatalf("Delay(beyond) = %v; want 30s", got)
	}
	if got := Delay(1000); got != 30*time.Second {
		t.Fatalf("Delay(1000) = %v; want 30s", got)
	}
}
