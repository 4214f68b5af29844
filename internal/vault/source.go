package vault

import (
	"context"
	"sync"
)

// Source fetches the deploy environment from a single KV path. The Vault
// login happens on first use, so commands that never deploy never contact
// Vault.
type Source struct {
	path string
	opts []Option

	mu     sync.Mutex
	client *Client
}

// NewSource returns a Source reading path with a client built from opts.
func NewSource(path string, opts ...Option) *Source {
	return &Source{path: path, opts: opts}
}

// Env returns the secret fields at the configured path as KEY=VALUE entries.
func (s *Source) Env(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		client, err := NewClient(ctx, s.opts...)
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	return s.client.ReadEnv(ctx, s.path)
}
