package agent

import (
	"context"
	"time"

	"github.com/ashureev/lucid-engine/internal/config"
)

// Factory creates runners, either scripted mocks or remote gRPC runners.
type Factory struct {
	client    *GrpcClient
	keys      Keys
	stepDelay time.Duration
}

// NewFactory returns a factory. A nil client selects mock mode.
func NewFactory(cfg config.AgentConfig, client *GrpcClient) *Factory {
	return &Factory{
		client: client,
		keys: Keys{
			Anthropic: cfg.AnthropicAPIKey,
			Google:    cfg.GoogleAPIKey,
			Fallback:  cfg.LLMAPIKey,
		},
		stepDelay: cfg.MockStepDelay,
	}
}

// MockMode reports whether runners are scripted.
func (f *Factory) MockMode() bool {
	return f.client == nil
}

// ResolveModel resolves provider and key against the server's keys.
func (f *Factory) ResolveModel(provider, apiKey string) (Model, error) {
	return ResolveModel(provider, apiKey, f.keys)
}

// NewRunner creates a runner for spec.
func (f *Factory) NewRunner(_ context.Context, spec Spec, emit EmitFunc) (Runner, error) {
	if f.client == nil {
		return NewMockRunner(spec.Task, spec.MountPath, f.stepDelay, emit), nil
	}
	return f.client.NewRunner(spec, emit), nil
}

// Health reports the runner's health; mock mode is always healthy.
func (f *Factory) Health(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	return f.client.Health(ctx)
}
