package media

import (
	"testing"
)

func TestNewPortPoolValidation(t *testing.T) {
	if _, err := NewPortPool(10001, 10100, testLogger()); err == nil {
		t.Error("expected error for odd portMin")
	}
	if _, err := NewPortPool(10000, 10000, testLogger()); err == nil {
		t.Error("expected error for empty range")
	}
}

func TestPortPoolAllocateRelease(t *testing.T) {
	pool, err := NewPortPool(31000, 31009, testLogger())
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}
	if pool.Capacity() != 5 {
		t.Errorf("Capacity = %d, want 5", pool.Capacity())
	}

	pair, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pair.Ports.RTP%2 != 0 || pair.Ports.RTCP != pair.Ports.RTP+1 {
		t.Errorf("ports = %+v, want even RTP and RTCP = RTP+1", pair.Ports)
	}
	if pair.Ports.RTP < 31000 || pair.Ports.RTP > 31008 {
		t.Errorf("RTP port %d outside range", pair.Ports.RTP)
	}
	if pool.InUse() != 1 {
		t.Errorf("InUse = %d, want 1", pool.InUse())
	}

	pool.Release(pair)
	if pool.InUse() != 0 {
		t.Errorf("InUse after release = %d, want 0", pool.InUse())
	}
	pool.Release(nil)
}

func TestPortPoolExhaustion(t *testing.T) {
	pool, err := NewPortPool(31100, 31103, testLogger())
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	var pairs []*SocketPair
	for i := 0; i < pool.Capacity(); i++ {
		pair, err := pool.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		pairs = append(pairs, pair)
	}

	if _, err := pool.Allocate(); err == nil {
		t.Error("expected error when the pool is exhausted")
	}

	for _, p := range pairs {
		pool.Release(p)
	}
	pair, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	pool.Release(pair)
}
