package ports

import (
	"context"
	"errors"
	"testing"
)

type stubSource struct {
	port int
	ok   bool
	err  error
}

func (s stubSource) MaxPort(context.Context) (int, bool, error) {
	return s.port, s.ok, s.err
}

func TestAllocate(t *testing.T) {
	cases := []struct {
		name    string
		source  stubSource
		want    int
		wantErr error
	}{
		{name: "empty store", source: stubSource{}, want: 3000},
		{name: "next after max", source: stubSource{port: 3004, ok: true}, want: 3005},
		{name: "below range", source: stubSource{port: 80, ok: true}, want: 3000},
		{name: "upper bound", source: stubSource{port: 65534, ok: true}, want: 65535},
		{name: "exhausted", source: stubSource{port: 65535, ok: true}, wantErr: ErrRangeExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := New(tc.source).Allocate(context.Background())
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected port %d, got %d", tc.want, got)
			}
		})
	}
}

func TestAllocatePropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	_, err := New(stubSource{err: boom}).Allocate(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestAllocateCustomRange(t *testing.T) {
	a := New(stubSource{port: 4001, ok: true}).WithRange(4000, 4001)
	if _, err := a.Allocate(context.Background()); !errors.Is(err, ErrRangeExhausted) {
		t.Fatalf("expected range exhausted, got %v", err)
	}
}
