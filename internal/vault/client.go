package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"upbit-trading-bot/config"
)

// Credentials are the secrets the agent may keep out of its config file
type Credentials struct {
	UpbitAccessKey    string `json:"upbit_access_key"`
	UpbitSecretKey    string `json:"upbit_secret_key"`
	GeminiAPIKey      string `json:"gemini_api_key"`
	ClaudeAPIKey      string `json:"claude_api_key"`
	OpenAIAPIKey      string `json:"openai_api_key"`
	DeepSeekAPIKey    string `json:"deepseek_api_key"`
	TelegramBotToken  string `json:"telegram_bot_token"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
	DatabasePassword  string `json:"database_password"`
}

// Client wraps the HashiCorp Vault client. A disabled client keeps
// credentials in memory only, for development and tests.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
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
		client: client,
		config: cfg,
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// StoreCredentials writes the credentials as one KV v2 secret
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"upbit_access_key":    creds.UpbitAccessKey,
				"upbit_secret_key":    creds.UpbitSecretKey,
				"gemini_api_key":      creds.GeminiAPIKey,
				"claude_api_key":      creds.ClaudeAPIKey,
				"openai_api_key":      creds.OpenAIAPIKey,
				"deepseek_api_key":    creds.DeepSeekAPIKey,
				"telegram_bot_token":  creds.TelegramBotToken,
				"discord_webhook_url": creds.DiscordWebhookURL,
				"database_password":   creds.DatabasePassword,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return nil
}

// LoadCredentials reads the credentials secret, cached after the first read
func (c *Client) LoadCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return &creds, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials not found and vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials not found at %s", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		UpbitAccessKey:    getString(data, "upbit_access_key"),
		UpbitSecretKey:    getString(data, "upbit_secret_key"),
		GeminiAPIKey:      getString(data, "gemini_api_key"),
		ClaudeAPIKey:      getString(data, "claude_api_key"),
		OpenAIAPIKey:      getString(data, "openai_api_key"),
		DeepSeekAPIKey:    getString(data, "deepseek_api_key"),
		TelegramBotToken:  getString(data, "telegram_bot_token"),
		DiscordWebhookURL: getString(data, "discord_webhook_url"),
		DatabasePassword:  getString(data, "database_password"),
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	out := *creds
	return &out, nil
}

// Apply loads the credentials and overlays every non-empty value on cfg
func (c *Client) Apply(ctx context.Context, cfg *config.Config) error {
	creds, err := c.LoadCredentials(ctx)
	if err != nil {
		return err
	}
	creds.ApplyTo(cfg)
	return nil
}

// ApplyTo overlays every non-empty credential on cfg
func (creds *Credentials) ApplyTo(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.UpbitConfig.AccessKey, creds.UpbitAccessKey)
	set(&cfg.UpbitConfig.SecretKey, creds.UpbitSecretKey)
	set(&cfg.AIConfig.GeminiAPIKey, creds.GeminiAPIKey)
	set(&cfg.AIConfig.ClaudeAPIKey, creds.ClaudeAPIKey)
	set(&cfg.AIConfig.OpenAIAPIKey, creds.OpenAIAPIKey)
	set(&cfg.AIConfig.DeepSeekAPIKey, creds.DeepSeekAPIKey)
	set(&cfg.NotificationConfig.Telegram.BotToken, creds.TelegramBotToken)
	set(&cfg.NotificationConfig.Discord.WebhookURL, creds.DiscordWebhookURL)
	set(&cfg.DatabaseConfig.Password, creds.DatabasePassword)
}

// ClearCache forces the next load to read Vault again
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path of the credentials secret
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
