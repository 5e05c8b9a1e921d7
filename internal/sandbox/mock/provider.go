// Package mock provides an in-memory sandbox.Runtime for tests that don't
// need a real Docker daemon.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandboxrun/execd/internal/sandbox"
)

// Provider is a fake sandbox.Runtime backed by a map. ExecFunc, when set,
// customizes Exec's result; otherwise Exec echoes the submitted code as
// stdout with exit code 0.
type Provider struct {
	mu         sync.Mutex
	containers map[string]string // sessionID -> environment
	ExecFunc   func(ctx context.Context, sessionID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
	CreateErr  error
	ExecErr    error
}

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{containers: make(map[string]string)}
}

func (p *Provider) Create(ctx context.Context, sessionID, environment string) (string, error) {
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.containers[sessionID] = environment
	return "mock-" + sessionID, nil
}

func (p *Provider) Exec(ctx context.Context, sessionID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if p.ExecErr != nil {
		return nil, p.ExecErr
	}
	p.mu.Lock()
	_, ok := p.containers[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no container for session %s", sessionID)
	}
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, sessionID, req)
	}
	return &sandbox.ExecResult{Stdout: req.Code, ExitCode: 0}, nil
}

func (p *Provider) Stop(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.containers, sessionID)
	return nil
}

func (p *Provider) Exists(ctx context.Context, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.containers[sessionID]
	return ok, nil
}

func (p *Provider) Sweep(ctx context.Context, knownSessionIDs map[string]bool) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []string
	for id := range p.containers {
		if !knownSessionIDs[id] {
			delete(p.containers, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}
