package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/config"
)

func vaultServer(t *testing.T, reads *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/upbit-trading-bot/credentials" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		reads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{
					"upbit_access_key":  "vault-access",
					"upbit_secret_key":  "vault-secret",
					"gemini_api_key":    "vault-gemini",
					"database_password": "vault-db",
				},
			},
		})
	}))
}

func TestLoadCredentialsFromVault(t *testing.T) {
	var reads atomic.Int32
	srv := vaultServer(t, &reads)
	defer srv.Close()

	client, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "upbit-trading-bot/credentials",
	})
	require.NoError(t, err)

	creds, err := client.LoadCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vault-access", creds.UpbitAccessKey)
	assert.Equal(t, "vault-gemini", creds.GeminiAPIKey)
	assert.Empty(t, creds.TelegramBotToken)

	_, err = client.LoadCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), reads.Load())
}

func TestApplyOverlaysNonEmptyValues(t *testing.T) {
	var reads atomic.Int32
	srv := vaultServer(t, &reads)
	defer srv.Close()

	cfg := config.Default()
	cfg.UpbitConfig.AccessKey = "file-access"
	cfg.NotificationConfig.Telegram.BotToken = "file-telegram"
	cfg.VaultConfig.Enabled = true
	cfg.VaultConfig.Address = srv.URL
	cfg.VaultConfig.Token = "test-token"

	client, err := NewClient(cfg.VaultConfig)
	require.NoError(t, err)
	require.NoError(t, client.Apply(context.Background(), cfg))

	assert.Equal(t, "vault-access", cfg.UpbitConfig.AccessKey)
	assert.Equal(t, "vault-secret", cfg.UpbitConfig.SecretKey)
	assert.Equal(t, "vault-db", cfg.DatabaseConfig.Password)
	assert.Equal(t, "file-telegram", cfg.NotificationConfig.Telegram.BotToken)
}

func TestDisabledClientUsesMemory(t *testing.T) {
	client, err := NewClient(config.VaultConfig{})
	require.NoError(t, err)
	assert.False(t, client.IsEnabled())
	assert.NoError(t, client.Health(context.Background()))

	_, err = client.LoadCredentials(context.Background())
	assert.Error(t, err)

	require.NoError(t, client.StoreCredentials(context.Background(), Credentials{UpbitAccessKey: "dev"}))
	creds, err := client.LoadCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev", creds.UpbitAccessKey)

	client.ClearCache()
	_, err = client.LoadCredentials(context.Background())
	assert.Error(t, err)
}

func TestMissingSecret(t *testing.T) {
	var reads atomic.Int32
	srv := vaultServer(t, &reads)
	defer srv.Close()

	client, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "elsewhere",
	})
	require.NoError(t, err)

	_, err = client.LoadCredentials(context.Background())
	assert.Error(t, err)
}
