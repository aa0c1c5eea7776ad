package dedup

import (
	"context"
	"testing"
	"time"
)

func TestMemoryFilterDetectsDuplicateWithinWindow(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()

	dup, err := f.Seen(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatalf("first sighting must not be a duplicate")
	}

	dup, err = f.Seen(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatalf("repeat sighting within window must be a duplicate")
	}
}

func TestMemoryFilterExpiresAfterWindow(t *testing.T) {
	f := NewMemoryFilter()
	base := time.Now()
	f.now = func() time.Time { return base }

	ctx := context.Background()
	if _, err := f.Seen(ctx, 2, 200); err != nil {
		t.Fatal(err)
	}

	f.now = func() time.Time { return base.Add(Window + time.Second) }
	dup, err := f.Seen(ctx, 2, 200)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatalf("fingerprint should have expired after the dedup window")
	}
}

func TestMemoryFilterDistinguishesNodesAndPackets(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()

	if _, err := f.Seen(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	dup, err := f.Seen(ctx, 2, 100)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatalf("same packet id from a different node must not be a duplicate")
	}
	dup, err = f.Seen(ctx, 1, 101)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatalf("different packet id from the same node must not be a duplicate")
	}
}

func TestMemoryFilterEvictsOldestOnOverflow(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()
	base := time.Now()
	f.now = func() time.Time { return base }

	if _, err := f.Seen(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	// microsecond steps keep every fingerprint well inside Window, so the
	// filter really overflows instead of shedding entries by TTL.
	for i := 0; i < MaxEntries; i++ {
		f.now = func() time.Time { return base.Add(time.Duration(i+1) * time.Microsecond) }
		if _, err := f.Seen(ctx, uint32(i+2), uint32(i+2)); err != nil {
			t.Fatal(err)
		}
	}
	if f.Len() > MaxEntries {
		t.Fatalf("filter exceeded MaxEntries: %d", f.Len())
	}
	if _, ok := f.present[fingerprintKey(1, 1)]; ok {
		t.Fatalf("oldest fingerprint should have been evicted on overflow")
	}
}

func TestFingerprintKeyIsOrderSensitiveOnBothFields(t *testing.T) {
	a := fingerprintKey(1, 2)
	b := fingerprintKey(2, 1)
	if a == b {
		t.Fatalf("fingerprint key collided for swapped node/packet pair")
	}
}
