package inference

import (
	"context"
	"sync"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/retrieval"
)

// scriptedGenerator returns the scripted results in order, repeating the
// last one when the script runs out.
type scriptedGenerator struct {
	mu      sync.Mutex
	script  []scripted
	calls   int
	prompts []Prompt
}

type scripted struct {
	text string
	err  error
}

func (g *scriptedGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	i := min(g.calls, len(g.script)-1)
	g.calls++
	return g.script[i].text, g.script[i].err
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeIndex struct {
	results []retrieval.Result
	err     error
	queries []string
}

func (f *fakeIndex) Search(ctx context.Context, query string, k int) ([]retrieval.Result, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

func (f *fakeIndex) Count() int { return len(f.results) }

func threeRefs() []retrieval.Result {
	return []retrieval.Result{
		{Document: retrieval.Document{ID: "a", Source: "alerts.json", Content: "sshd failure on host-x"}, Score: 0.9},
		{Document: retrieval.Document{ID: "b", Source: "alerts.json", Content: "sudo to root on host-x"}, Score: 0.8},
		{Document: retrieval.Document{ID: "c", Source: "auth.log", Content: "new user added on host-x"}, Score: 0.7},
	}
}
