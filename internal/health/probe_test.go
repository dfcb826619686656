package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func fail(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func pass() CheckFunc { return func(context.Context) error { return nil } }

func checkErr(t *testing.T, p Probe, want string) {
	t.Helper()
	err := p.Check(context.Background())
	switch {
	case want == "" && err != nil:
		t.Fatalf("Check = %v, want nil", err)
	case want != "" && err == nil:
		t.Fatalf("Check = nil, want %q", want)
	case want != "" && err.Error() != want:
		t.Fatalf("Check = %q, want %q", err.Error(), want)
	}
}

func TestFixed(t *testing.T) {
	checkErr(t, Fixed(true, "ignored"), "")
	checkErr(t, Fixed(false, "disk full"), "disk full")
	checkErr(t, Fixed(false, ""), "unhealthy")
}

func TestAll(t *testing.T) {
	tests := []struct {
		name   string
		probes []Probe
		want   string
	}{
		{"empty", nil, ""},
		{"all pass", []Probe{pass(), pass()}, ""},
		{"first failure wins", []Probe{pass(), fail("a"), fail("b")}, "a"},
		{"nil skipped", []Probe{nil, fail("c")}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { checkErr(t, All(tt.probes...), tt.want) })
	}
}

func TestAll_ShortCircuits(t *testing.T) {
	called := false
	p := All(fail("stop"), CheckFunc(func(context.Context) error {
		called = true
		return nil
	}))
	_ = p.Check(context.Background())
	if called {
		t.Fatal("All evaluated probes after the first failure")
	}
}

func TestAny(t *testing.T) {
	tests := []struct {
		name   string
		probes []Probe
		want   string
	}{
		{"empty", nil, "no healthy probes"},
		{"only nil", []Probe{nil, nil}, "no healthy probes"},
		{"one passes", []Probe{fail("a"), pass()}, ""},
		{"all fail returns last", []Probe{fail("a"), fail("b")}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { checkErr(t, Any(tt.probes...), tt.want) })
	}
}

func TestNamed(t *testing.T) {
	checkErr(t, Named("events", pass()), "")
	checkErr(t, Named("events", nil), "")
	checkErr(t, Named("events", fail("queue closed")), "events: queue closed")

	sentinel := errors.New("boom")
	err := Named("x", CheckFunc(func(context.Context) error { return sentinel })).Check(context.Background())
	if !errors.Is(err, sentinel) {
		t.Fatal("Named should wrap the underlying error")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	checkErr(t, p, "")
	if g.Draining() {
		t.Fatal("new gate should not be draining")
	}

	g.Set("deploy")
	checkErr(t, p, "deploy")
	g.Set("")
	checkErr(t, p, "draining")

	g.Clear()
	checkErr(t, p, "")
}

func TestShutdownGate_ConcurrentAccess(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Set("drain")
			g.Clear()
		}()
		go func() {
			defer wg.Done()
			_ = p.Check(context.Background())
		}()
	}
	wg.Wait()
}
