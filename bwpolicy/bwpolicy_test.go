package bwpolicy_test

import (
	"testing"

	"github.com/muscleserver/muscle/bwpolicy"
	"github.com/muscleserver/muscle/pulse"
)

func TestRateLimiterThrottlesAboveCutoff(t *testing.T) {
	rl := bwpolicy.NewRateLimiter(1000) // 1000 B/s, cutoff at 500
	rl.AddParticipant(1)

	rl.BytesTransferred(0, 900)
	if rl.OkayToTransfer(0) {
		t.Fatal("expected throttled above cutoff")
	}

	// after 500ms at 1000B/s, 500 bytes have drained: tally = 400, under cutoff
	if !rl.OkayToTransfer(500_000) {
		t.Fatal("expected tally to have decayed back under cutoff after 500ms")
	}
}

func TestRateLimiterUnlimitedWhenZero(t *testing.T) {
	rl := bwpolicy.NewRateLimiter(0)
	rl.AddParticipant(1)
	rl.BytesTransferred(0, 1_000_000)
	if !rl.OkayToTransfer(0) {
		t.Fatal("zero maxBytesPerSec must mean unlimited")
	}
	if rl.GetMaxTransferChunkSize(0) != -1 {
		t.Fatal("expected -1 (unlimited) chunk size")
	}
}

func TestRateLimiterSplitsAcrossParticipants(t *testing.T) {
	rl := bwpolicy.NewRateLimiter(1000)
	rl.AddParticipant(1)
	rl.AddParticipant(2)
	size := rl.GetMaxTransferChunkSize(0)
	if size != 500 {
		t.Fatalf("expected budget split across 2 participants to be 500, got %d", size)
	}
}

func TestRateLimiterGetPulseTimeWhenThrottled(t *testing.T) {
	rl := bwpolicy.NewRateLimiter(1000)
	rl.AddParticipant(1)
	rl.BytesTransferred(0, 900)
	next := rl.GetPulseTime(0, pulse.Never)
	if next == pulse.Never {
		t.Fatal("expected a scheduled pulse while above cutoff")
	}
	if next <= 0 {
		t.Fatalf("expected a future pulse time, got %d", next)
	}
}

func TestUnlimitedPolicyNeverThrottles(t *testing.T) {
	if !bwpolicy.Unlimited.OkayToTransfer(0) {
		t.Fatal("Unlimited policy must always be okay to transfer")
	}
	if bwpolicy.Unlimited.GetPulseTime(0, pulse.Never) != pulse.Never {
		t.Fatal("Unlimited policy must never schedule a pulse")
	}
}
