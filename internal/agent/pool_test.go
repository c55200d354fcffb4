package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stagerun/internal/core"
	"stagerun/internal/errdefs"
)

func TestSatisfies(t *testing.T) {
	tags := map[string]string{"docker": "true", "os": "linux", "kubectl": ""}
	tests := []struct {
		req  map[string]string
		want bool
	}{
		{nil, true},
		{map[string]string{"docker": "true"}, true},
		{map[string]string{"docker": ""}, true},
		{map[string]string{"kubectl": ""}, true},
		{map[string]string{"docker": "false"}, false},
		{map[string]string{"gpu": ""}, false},
		{map[string]string{"os": "linux", "docker": "true"}, true},
	}
	for _, tt := range tests {
		if got := Satisfies(tags, tt.req); got != tt.want {
			t.Errorf("Satisfies(%v) = %v, want %v", tt.req, got, tt.want)
		}
	}
}

func TestAcquireIncompatibleFailsImmediately(t *testing.T) {
	p := NewLocalPool(2, map[string]string{"os": "linux"})
	_, err := p.Acquire(context.Background(), map[string]string{"docker": "true"})
	if errdefs.ReasonOf(err) != errdefs.ReasonNoCompatibleAgent || !errdefs.IsConfiguration(err) {
		t.Fatalf("err = %v, want NO_COMPATIBLE_AGENT", err)
	}
	if !strings.Contains(err.Error(), "docker=true") {
		t.Errorf("error does not name the requirement: %v", err)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := NewLocalPool(1, nil)
	first, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.AgentID != "local-1" || first.Runner == nil {
		t.Fatalf("lease = %+v", first)
	}

	got := make(chan *core.Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), nil)
		if err != nil {
			t.Error(err)
		}
		got <- l
	}()
	select {
	case <-got:
		t.Fatal("second acquire succeeded while the only agent was busy")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	first.Release() // idempotent
	select {
	case l := <-got:
		l.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
	if s := p.Agents(); len(s) != 1 || s[0].Busy {
		t.Errorf("agents = %+v", s)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	p := NewLocalPool(1, nil)
	l, _ := p.Acquire(context.Background(), nil)
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, nil); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestAcquireSelectsByTags(t *testing.T) {
	p := NewPool(
		Agent{ID: "plain", Runner: core.NewLocalRunner()},
		Agent{ID: "builder", Tags: map[string]string{"docker": "true"}, Runner: core.NewLocalRunner()},
	)
	l, err := p.Acquire(context.Background(), map[string]string{"docker": ""})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if l.AgentID != "builder" {
		t.Errorf("leased %s", l.AgentID)
	}
}

func TestDeregisterWakesIncompatibleWaiters(t *testing.T) {
	p := NewPool(Agent{ID: "builder", Tags: map[string]string{"docker": "true"}, Runner: core.NewLocalRunner()})
	l, _ := p.Acquire(context.Background(), map[string]string{"docker": ""})
	defer l.Release()

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), map[string]string{"docker": ""})
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if !p.Deregister("builder") {
		t.Fatal("builder not registered")
	}
	select {
	case err := <-errc:
		if errdefs.ReasonOf(err) != errdefs.ReasonNoCompatibleAgent {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by deregistration")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewLocalPool(3, nil)
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background(), nil)
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			l.Release()
		}()
	}
	wg.Wait()
	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestFormatRequirements(t *testing.T) {
	got := FormatRequirements(map[string]string{"os": "linux", "docker": ""})
	if got != "docker, os=linux" {
		t.Errorf("FormatRequirements = %q", got)
	}
}
