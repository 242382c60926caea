package timing

import (
	"testing"
	"time"
)

func TestTimerPhases(t *testing.T) {
	timer := NewTimer()

	timer.StartDNS()
	time.Sleep(2 * time.Millisecond)
	timer.EndDNS()

	timer.StartTCP()
	time.Sleep(2 * time.Millisecond)
	timer.EndTCP()

	timer.StartTTFB()
	time.Sleep(2 * time.Millisecond)
	timer.EndTTFB()

	metrics := timer.GetMetrics()

	if metrics.DNSLookup <= 0 {
		t.Error("expected non-zero DNSLookup")
	}
	if metrics.TCPConnect <= 0 {
		t.Error("expected non-zero TCPConnect")
	}
	if metrics.TTFB <= 0 {
		t.Error("expected non-zero TTFB")
	}
	if metrics.TLSHandshake != 0 {
		t.Errorf("TLSHandshake not started, want 0, got %v", metrics.TLSHandshake)
	}
	if metrics.GetConnectionTime() != metrics.DNSLookup+metrics.TCPConnect+metrics.TLSHandshake {
		t.Error("GetConnectionTime mismatch")
	}
}
