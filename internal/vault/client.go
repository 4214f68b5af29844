// Package vault reads deployment secrets from HashiCorp Vault.
//
// Secrets stored at a KV path (version 1 or 2) are turned into KEY=VALUE
// environment entries for the deploy entrypoint.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

var (
	// ErrClientInit indicates failure to initialize the Vault API client.
	ErrClientInit = errors.New("vault client initialization failed")
	// ErrSecretNotFound means the KV path holds no data.
	ErrSecretNotFound = errors.New("no secret found")
	// ErrInvalidKey means a secret key cannot be used as an environment variable name.
	ErrInvalidKey = errors.New("secret key is not a valid environment variable name")
)

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Option configures how NewClient reaches and authenticates to Vault.
type Option func(*credentials)

type credentials struct {
	address  string
	token    string
	roleID   string
	roleName string
}

func (c *credentials) appRole() bool { return c.roleID != "" && c.roleName != "" }

// Client is an authenticated Vault API client.
type Client struct {
	api   *vault.Client
	creds *credentials
}

// WithAddress overrides VAULT_ADDR.
func WithAddress(address string) Option {
	return func(c *credentials) { c.address = address }
}

// WithToken overrides VAULT_TOKEN.
func WithToken(token string) Option {
	return func(c *credentials) { c.token = token }
}

// WithAppRole logs in through AppRole, generating a fresh secret id for roleName.
func WithAppRole(roleID, roleName string) Option {
	return func(c *credentials) {
		c.roleID, c.roleName = roleID, roleName
	}
}

// NewClient returns a client authenticated by AppRole when configured and by
// the static token otherwise.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	creds := &credentials{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(creds)
	}

	conf := vault.DefaultConfig()
	if creds.address != "" {
		conf.Address = creds.address
	}
	api, err := vault.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}
	if creds.token != "" {
		api.SetToken(creds.token)
	}

	c := &Client{api: api, creds: creds}
	if creds.appRole() {
		if err := c.loginAppRole(ctx); err != nil {
			return nil, fmt.Errorf("%w: approle login as %s: %v", ErrClientInit, creds.roleName, err)
		}
	}
	return c, nil
}

func (c *Client) loginAppRole(ctx context.Context) error {
	secretPath := fmt.Sprintf(approleSecretIDPath, c.creds.roleName)
	secret, err := c.api.Logical().WriteWithContext(ctx, secretPath, nil)
	if err != nil {
		return fmt.Errorf("request secret id: %w", err)
	}
	var secretID string
	if secret != nil {
		secretID, _ = secret.Data["secret_id"].(string)
	}
	if secretID == "" {
		return fmt.Errorf("%s returned no secret id", secretPath)
	}

	login, err := c.api.Logical().WriteWithContext(ctx, approleLoginPath, map[string]any{
		"role_id":   c.creds.roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if login == nil || login.Auth == nil || login.Auth.ClientToken == "" {
		return errors.New("login response carries no client token")
	}
	c.api.SetToken(login.Auth.ClientToken)
	return nil
}

// kvV2 is the envelope the KV version 2 engine wraps secret data in.
type kvV2 struct {
	Data     map[string]any `mapstructure:"data"`
	Metadata map[string]any `mapstructure:"metadata"`
}

// unwrapKVv2 returns the inner data when payload is exactly a KV v2 envelope:
// a "data" map and a "metadata" map and nothing else.
func unwrapKVv2(payload map[string]any) (map[string]any, bool) {
	if len(payload) != 2 {
		return nil, false
	}
	var env kvV2
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{ErrorUnused: true, Result: &env})
	if err != nil {
		return nil, false
	}
	if err := dec.Decode(payload); err != nil || env.Data == nil || env.Metadata == nil {
		return nil, false
	}
	return env.Data, true
}

// ReadEnv reads the secret at path and returns its fields as sorted
// KEY=VALUE entries. Non-string values are converted to their string form.
func (c *Client) ReadEnv(ctx context.Context, path string) ([]string, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || len(secret.Data) == 0 {
		return nil, fmt.Errorf("%w at path: %s", ErrSecretNotFound, path)
	}

	data := secret.Data
	if inner, ok := unwrapKVv2(data); ok {
		data = inner
	}

	fields := map[string]string{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &fields,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	out := make([]string, 0, len(fields))
	for k, v := range fields {
		if !envKey.MatchString(k) {
			return nil, fmt.Errorf("%w: %q at %s", ErrInvalidKey, k, path)
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}
