package credentials

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/pkg/schema"
)

// Store keeps third-party credentials per agent in an encrypted vault.
type Store struct {
	vault secrets.Vault
}

// NewStore creates a credential Store backed by vault.
func NewStore(vault secrets.Vault) *Store {
	return &Store{vault: vault}
}

// Key is the vault key under which an agent's provider token is stored.
func Key(agentID string, p Provider) string {
	return fmt.Sprintf("credentials/%s/%s", agentID, p)
}

// Put stores or replaces a token. Called by the OAuth callback collaborator
// once authorization completes.
func (s *Store) Put(ctx context.Context, agentID string, p Provider, token []byte) error {
	if agentID == "" || p == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id and provider are required")
	}
	return s.vault.Store(ctx, Key(agentID, p), token)
}

// HasCredential reports whether the agent holds a token for provider.
func (s *Store) HasCredential(ctx context.Context, agentID, provider string) (bool, error) {
	return s.vault.Has(ctx, Key(agentID, Provider(provider)))
}

// Token returns the decrypted token.
func (s *Store) Token(ctx context.Context, agentID string, p Provider) ([]byte, error) {
	return s.vault.Resolve(ctx, Key(agentID, p))
}

// Delete revokes a stored token.
func (s *Store) Delete(ctx context.Context, agentID string, p Provider) error {
	return s.vault.Delete(ctx, Key(agentID, p))
}

// Providers lists the providers the agent holds tokens for, sorted.
func (s *Store) Providers(ctx context.Context, agentID string) ([]Provider, error) {
	keys, err := s.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	prefix := Key(agentID, "")
	out := []Provider{}
	for _, k := range keys {
		if p, ok := strings.CutPrefix(k, prefix); ok && p != "" {
			out = append(out, Provider(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
