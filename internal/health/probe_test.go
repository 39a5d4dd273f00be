package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

var errDown = errors.New("down")

func fail(err error) CheckFunc { return func(context.Context) error { return err } }

func TestFixed(t *testing.T) {
	ctx := context.Background()
	if err := Fixed(true, "ignored").Check(ctx); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := Fixed(false, "disk full").Check(ctx); err == nil || err.Error() != "disk full" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := Fixed(false, "").Check(ctx); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v", err)
	}
}

func TestAll(t *testing.T) {
	other := errors.New("other")
	tests := []struct {
		name   string
		probes []Probe
		want   error
	}{
		{"empty", nil, nil},
		{"all pass", []Probe{Fixed(true, ""), Fixed(true, "")}, nil},
		{"first failure wins", []Probe{Fixed(true, ""), fail(errDown), fail(other)}, errDown},
		{"nil skipped", []Probe{nil, fail(errDown)}, errDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := All(tt.probes...).Check(context.Background()); !errors.Is(err, tt.want) {
				t.Fatalf("All = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAll_ShortCircuits(t *testing.T) {
	called := false
	_ = All(fail(errDown), CheckFunc(func(context.Context) error { called = true; return nil })).Check(context.Background())
	if called {
		t.Fatal("probes after a failure should not run")
	}
}

func TestNamed(t *testing.T) {
	err := Named("startup", fail(errDown)).Check(context.Background())
	if err == nil || err.Error() != "startup: down" || !errors.Is(err, errDown) {
		t.Fatalf("Named = %v", err)
	}
	if err := Named("x", nil).Check(context.Background()); err != nil {
		t.Fatalf("nil probe = %v", err)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	ctx := context.Background()

	if err := p.Check(ctx); err != nil {
		t.Fatalf("new gate = %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(ctx); err == nil || err.Error() != "shutting down" {
		t.Fatalf("after Set = %v", err)
	}
	g.Set("")
	if err := p.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("empty reason = %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("x") }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
}
