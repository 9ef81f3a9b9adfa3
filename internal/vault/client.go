// Package vault retrieves the exchange credential triple (apiKey, secret,
// passphrase) SessionTransport needs to sign its login frame.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"okx-reconcile-engine/config"

	"github.com/hashicorp/vault/api"
)

// Credential is the apiKey/secret/passphrase triple required by the
// exchange's WS login frame (§4.1).
type Credential struct {
	APIKey     string `json:"api_key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
	Sandbox    bool   `json:"sandbox"`
}

// Client wraps the HashiCorp Vault client with a cache-first read path and a
// disabled-vault fallback that serves whatever was stored locally — the same
// shape the donor app used for Binance API keys, generalized from a
// per-user cache to a per-account cache since this engine runs one
// authenticated session per account rather than one per SaaS tenant.
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*Credential // account -> Credential
	cacheEnabled bool
}

// NewClient creates a new Vault client. When cfg.Enabled is false the
// returned client only ever serves StoreCredential'd entries from its local
// cache — useful for local development and tests.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*Credential),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*Credential),
		cacheEnabled: true,
	}, nil
}

// StoreCredential stores the credential triple for an account in Vault.
func (c *Client) StoreCredential(ctx context.Context, account string, cred Credential) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[c.cacheKey(account, cred.Sandbox)] = &cred
		c.mu.Unlock()
		return nil
	}

	path := c.secretPath(account, cred.Sandbox)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    cred.APIKey,
			"secret":     cred.Secret,
			"passphrase": cred.Passphrase,
			"sandbox":    cred.Sandbox,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to store credential in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[c.cacheKey(account, cred.Sandbox)] = &cred
		c.mu.Unlock()
	}
	return nil
}

// GetCredential retrieves the credential triple for an account.
func (c *Client) GetCredential(ctx context.Context, account string, sandbox bool) (*Credential, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[c.cacheKey(account, sandbox)]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("credential not found and vault is disabled")
	}

	path := c.secretPath(account, sandbox)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credential not found")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	cred := &Credential{
		APIKey:     getString(data, "api_key"),
		Secret:     getString(data, "secret"),
		Passphrase: getString(data, "passphrase"),
		Sandbox:    getBool(data, "sandbox"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[c.cacheKey(account, sandbox)] = cred
		c.mu.Unlock()
	}
	return cred, nil
}

// DeleteCredential removes a stored credential for an account.
func (c *Client) DeleteCredential(ctx context.Context, account string, sandbox bool) error {
	c.mu.Lock()
	delete(c.cache, c.cacheKey(account, sandbox))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	path := c.metadataPath(account, sandbox)
	if _, err := c.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete credential from vault: %w", err)
	}
	return nil
}

// RotateCredential replaces an existing credential.
func (c *Client) RotateCredential(ctx context.Context, account string, newCred Credential) error {
	return c.StoreCredential(ctx, account, newCred)
}

// ClearCache clears the in-memory cache.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credential)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(account string, sandbox bool) string {
	network := networkLabel(sandbox)
	return fmt.Sprintf("%s/data/%s/%s_%s", c.config.MountPath, c.config.SecretPath, account, network)
}

func (c *Client) metadataPath(account string, sandbox bool) string {
	network := networkLabel(sandbox)
	return fmt.Sprintf("%s/metadata/%s/%s_%s", c.config.MountPath, c.config.SecretPath, account, network)
}

func (c *Client) cacheKey(account string, sandbox bool) string {
	return fmt.Sprintf("%s_%s", account, networkLabel(sandbox))
}

func networkLabel(sandbox bool) string {
	if sandbox {
		return "sandbox"
	}
	return "mainnet"
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}

// NewMockClient creates a disabled-vault client for testing.
func NewMockClient() *Client {
	return &Client{
		config:       config.VaultConfig{Enabled: false},
		cache:        make(map[string]*Credential),
		cacheEnabled: true,
	}
}
