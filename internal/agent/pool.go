// Package agent hands out process runners to stages and exposes them over
// HTTP.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"stagerun/internal/core"
	"stagerun/internal/errdefs"
)

// Agent is a runner together with the tags stages select it by.
type Agent struct {
	ID     string             `json:"id"`
	Tags   map[string]string  `json:"tags"`
	URL    string             `json:"url,omitempty"`
	Runner core.ProcessRunner `json:"-"`
}

// Status is a snapshot of one registered agent.
type Status struct {
	ID   string            `json:"id"`
	Tags map[string]string `json:"tags"`
	URL  string            `json:"url,omitempty"`
	Busy bool              `json:"busy"`
}

type slot struct {
	agent Agent
	busy  bool
}

// Pool leases each registered agent to at most one stage at a time.
type Pool struct {
	mu    sync.Mutex
	slots []*slot
	// wake is closed and replaced whenever an agent becomes available.
	wake chan struct{}
}

var _ core.AgentPool = (*Pool)(nil)

func NewPool(agents ...Agent) *Pool {
	p := &Pool{wake: make(chan struct{})}
	for _, a := range agents {
		p.Register(a)
	}
	return p
}

// NewLocalPool registers n agents that run steps on this host, all carrying
// tags.
func NewLocalPool(n int, tags map[string]string) *Pool {
	p := NewPool()
	for i := 1; i <= n; i++ {
		p.Register(Agent{ID: fmt.Sprintf("local-%d", i), Tags: tags, Runner: core.NewLocalRunner()})
	}
	return p
}

// Register adds a, replacing any agent with the same id. A replaced agent
// that is busy stays busy until its lease is released.
func (p *Pool) Register(a Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a.Tags = copyTags(a.Tags)
	for _, s := range p.slots {
		if s.agent.ID == a.ID {
			s.agent = a
			p.signal()
			return
		}
	}
	p.slots = append(p.slots, &slot{agent: a})
	p.signal()
}

// Deregister removes the agent with id. It reports whether it was known.
func (p *Pool) Deregister(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.slots {
		if s.agent.ID == id {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			// waiters re-check whether anything can still serve them
			p.signal()
			return true
		}
	}
	return false
}

// Agents lists the registered agents sorted by id.
func (p *Pool) Agents() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, Status{ID: s.agent.ID, Tags: copyTags(s.agent.Tags), URL: s.agent.URL, Busy: s.busy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Acquire blocks until an agent satisfying requirements is free. It fails
// immediately when no registered agent could ever satisfy them.
func (p *Pool) Acquire(ctx context.Context, requirements map[string]string) (*core.Lease, error) {
	for {
		p.mu.Lock()
		compatible := false
		for _, s := range p.slots {
			if !Satisfies(s.agent.Tags, requirements) {
				continue
			}
			compatible = true
			if s.busy {
				continue
			}
			s.busy = true
			p.mu.Unlock()
			return &core.Lease{AgentID: s.agent.ID, Runner: s.agent.Runner, Release: p.releaser(s)}, nil
		}
		wake := p.wake
		p.mu.Unlock()

		if !compatible {
			return nil, errdefs.Configuration(errdefs.ReasonNoCompatibleAgent, "",
				"no registered agent satisfies %s", FormatRequirements(requirements))
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) releaser(s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			s.busy = false
			p.signal()
		})
	}
}

// signal wakes every waiter. p.mu must be held.
func (p *Pool) signal() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// Satisfies reports whether tags meet every requirement: "key=value" needs an
// equal tag value, a bare "key" only needs the tag to be present.
func Satisfies(tags, requirements map[string]string) bool {
	for k, want := range requirements {
		got, ok := tags[k]
		if !ok {
			return false
		}
		if want != "" && got != want {
			return false
		}
	}
	return true
}

// FormatRequirements renders requirements in a stable "k=v, k" form.
func FormatRequirements(requirements map[string]string) string {
	if len(requirements) == 0 {
		return "no requirements"
	}
	keys := make([]string, 0, len(requirements))
	for k := range requirements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		if v := requirements[k]; v != "" {
			parts[i] = k + "=" + v
		} else {
			parts[i] = k
		}
	}
	return strings.Join(parts, ", ")
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
