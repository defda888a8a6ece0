package netcode

import "testing"

func TestReplayProtectionAcceptsInOrder(t *testing.T) {
	r := NewReplayProtection()
	for i := uint64(0); i < 1000; i++ {
		if !r.Accept(i) {
			t.Fatalf("sequence %d should have been accepted", i)
		}
	}
}

func TestReplayProtectionRejectsDuplicate(t *testing.T) {
	r := NewReplayProtection()
	if !r.Accept(100) {
		t.Fatal("first delivery should be accepted")
	}
	if r.Accept(100) {
		t.Fatal("duplicate delivery should be rejected")
	}
}

func TestReplayProtectionAcceptsFirstSequenceZero(t *testing.T) {
	r := NewReplayProtection()
	if !r.Accept(0) {
		t.Fatal("sequence 0 should be accepted on a fresh filter")
	}
	if r.Accept(0) {
		t.Fatal("replaying sequence 0 should be rejected")
	}
}

func TestReplayProtectionOutOfWindowIsRejected(t *testing.T) {
	r := NewReplayProtection()
	r.Accept(100000)
	if r.Accept(0) {
		t.Fatal("sequence far behind the window should be rejected")
	}
}

func TestReplayProtectionToleratesOutOfOrderWithinWindow(t *testing.T) {
	r := NewReplayProtection()
	r.Accept(10)
	if !r.Accept(5) {
		t.Fatal("sequence within the window, not yet seen, should be accepted")
	}
	if r.Accept(5) {
		t.Fatal("replaying sequence 5 should now be rejected")
	}
}

func FuzzReplayProtectionNeverAcceptsSameSequenceTwiceInARow(f *testing.F) {
	f.Add(uint64(0))
	f.Add(uint64(1))
	f.Add(uint64(1 << 40))

	f.Fuzz(func(t *testing.T, seq uint64) {
		r := NewReplayProtection()
		if !r.Accept(seq) {
			t.Fatalf("first delivery of %d must be accepted", seq)
		}
		if r.Accept(seq) {
			t.Fatalf("second delivery of %d must be rejected", seq)
		}
	})
}
