package ml

import (
	"errors"
	"testing"
)

func TestStreamOrdering(t *testing.T) {
	s := NewStream()
	defer s.Close()

	var got []int
	for i := range 10 {
		s.Launch(func() error {
			got = append(got, i)
			return nil
		})
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("launch order not preserved: %v", got)
		}
	}
}

func TestStreamErrorSurfacesAtSync(t *testing.T) {
	s := NewStream()
	defer s.Close()

	boom := errors.New("boom")
	ran := false
	s.Launch(func() error { return boom })
	s.Launch(func() error { ran = true; return nil })

	if err := s.Synchronize(); !errors.Is(err, ErrKernel) {
		t.Fatalf("Synchronize = %v, want ErrKernel", err)
	}
	if ran {
		t.Error("work after a failed kernel was not skipped")
	}

	// the error was collected; the stream is usable again
	s.Launch(func() error { ran = true; return nil })
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize after recovery: %v", err)
	}
	if !ran {
		t.Error("work after recovery did not run")
	}
}

func TestPoolCopyBlockAcrossTiers(t *testing.T) {
	primary := NewPool(0, DTypeF32, 2, 1, 2, 2)
	secondary := NewPool(1, DTypeF16, 2, 1, 2, 2)

	values := make([]float32, FieldsPerBlock*primary.FieldSize())
	for i := range values {
		values[i] = float32(i) / 2
	}
	secondary.SetBlockF32(1, values)

	CopyBlock(primary, 0, secondary, 1)

	got := primary.BlockF32(0)
	for i, v := range got {
		if v != values[i] {
			t.Fatalf("element %d = %v, want %v", i, v, values[i])
		}
	}
}

func TestHandleStability(t *testing.T) {
	p := NewPool(3, DTypeF32, 4, 2, 4, 8)
	if p.Handle(1, 0) == p.Handle(1, 1) {
		t.Error("K and V handles of one block collide")
	}
	if p.Handle(0, 0) == p.Handle(1, 0) {
		t.Error("handles of distinct blocks collide")
	}
	if got, again := p.Handle(2, 1), p.Handle(2, 1); got != again {
		t.Error("handle is not stable across calls")
	}
}
