package buffer

import (
	"bytes"
	"sync"
	"testing"
)

func TestPool_ReleaseThenAcquireReturnsSameBuffer(t *testing.T) {
	p := NewPool(PolicyPooled, WithBufferSize(64))

	b := p.Acquire()
	if len(b) != 64 {
		t.Fatalf("Acquire() len = %d, want 64", len(b))
	}
	if !p.Release(b) {
		t.Fatal("Release() = false, want buffer kept")
	}
	got := p.Acquire()
	if &got[0] != &b[0] {
		t.Error("Acquire after Release returned a different buffer")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}
}

func TestPool_BoundedFreeList(t *testing.T) {
	p := NewPool(PolicyPooled, WithBufferSize(16), WithMaxIdle(2))

	bufs := make([][]byte, 4)
	for i := range bufs {
		bufs[i] = p.Acquire()
	}

	tests := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"first release kept", bufs[0], true},
		{"second release kept", bufs[1], true},
		{"third release discarded", bufs[2], false},
		{"fourth release discarded", bufs[3], false},
		{"foreign capacity discarded", make([]byte, 8), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Release(tt.buf); got != tt.want {
				t.Errorf("Release() = %v, want %v", got, tt.want)
			}
		})
	}

	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (no unbounded growth)", p.Len())
	}
}

func TestPool_FreshBypassesFreeList(t *testing.T) {
	p := NewPool(PolicyFresh, WithBufferSize(32))

	b := p.Acquire()
	if p.Release(b) {
		t.Error("Release() under fresh policy should discard")
	}
	got := p.Acquire()
	if &got[0] == &b[0] {
		t.Error("fresh policy must allocate on every Acquire")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}
}

func TestPool_ConcurrentUse(t *testing.T) {
	p := NewPool(PolicyPooled, WithBufferSize(8), WithMaxIdle(3))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := p.Acquire()
				b[0] = byte(j)
				p.Release(b)
			}
		}()
	}
	wg.Wait()

	if p.Len() > 3 {
		t.Errorf("Len() = %d, exceeds bound 3", p.Len())
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"fresh", PolicyFresh, false},
		{"Pooled", PolicyPooled, false},
		{"", PolicyFresh, false},
		{"legacy", PolicyFresh, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestView_Bytes(t *testing.T) {
	buf := []byte("0123456789")
	var epoch Epoch
	v := NewView(buf, 2, 5, &epoch)

	if !bytes.Equal(v.Bytes(), []byte("23456")) {
		t.Errorf("Bytes() = %q, want %q", v.Bytes(), "23456")
	}
	if v.At(0) != '2' {
		t.Errorf("At(0) = %q, want '2'", v.At(0))
	}

	sub := v.Slice(1, 3)
	if !bytes.Equal(sub.Bytes(), []byte("34")) {
		t.Errorf("Slice(1,3) = %q, want %q", sub.Bytes(), "34")
	}
	if sub.Offset() != 3 {
		t.Errorf("Slice offset = %d, want 3", sub.Offset())
	}
}

func TestView_StaleAfterEpochAdvance(t *testing.T) {
	buf := make([]byte, 8)
	var epoch Epoch
	v := NewView(buf, 0, 4, &epoch)
	if !v.Valid() {
		t.Fatal("fresh view should be valid")
	}

	epoch.Advance()
	if v.Valid() {
		t.Fatal("view should be stale after epoch advance")
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes() on stale view should panic")
		}
	}()
	_ = v.Bytes()
}

func TestView_OutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewView out of range should panic")
		}
	}()
	NewView(make([]byte, 4), 2, 3, nil)
}

func TestOf(t *testing.T) {
	v := Of([]byte("abc"))
	if v.Len() != 3 || !v.Valid() {
		t.Errorf("Of() = %v, want len 3 and valid", v)
	}
}
