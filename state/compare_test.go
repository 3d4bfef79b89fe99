package state

import "testing"

func TestCompareInSync(t *testing.T) {
	if got := Compare("200", 100, 200); got != InSync {
		t.Fatalf("expected InSync, got %v", got)
	}
}

func TestCompareOkay(t *testing.T) {
	if got := Compare("150", 100, 200); got != Okay {
		t.Fatalf("expected Okay, got %v", got)
	}
}

func TestCompareResync(t *testing.T) {
	// S5: low=100, high=200, sinceState=50 -> resync.
	if got := Compare("50", 100, 200); got != Resync {
		t.Fatalf("expected Resync, got %v", got)
	}
}

func TestCompareBogus(t *testing.T) {
	if got := Compare("not-a-number", 100, 200); got != Bogus {
		t.Fatalf("expected Bogus for malformed state, got %v", got)
	}
	if got := Compare("300", 100, 200); got != Bogus {
		t.Fatalf("expected Bogus for ahead-of-server state, got %v", got)
	}
	if got := Compare("-1", 100, 200); got != Bogus {
		t.Fatalf("expected Bogus for negative state, got %v", got)
	}
}
