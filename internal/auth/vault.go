package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// ErrSecretNotFound is returned when the API key secret is missing or
// deleted.
var ErrSecretNotFound = errors.New("secret not found")

// VaultConfig locates the API key secret in a KV engine.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Path      string
}

// VaultSource loads API keys from a Vault KV secret. Every entry maps an
// API key to an object with client_id and scopes:
//
//	{"sk_...": {"client_id": "billing", "scopes": ["read", "write"]}}
//
// Scopes may also be a comma-separated string.
type VaultSource struct {
	api    *vaultapi.Client
	mount  string
	path   string
	logger observability.Logger
}

// NewVaultSource creates a Vault client for cfg.
func NewVaultSource(cfg VaultConfig, logger observability.Logger) (*VaultSource, error) {
	if cfg.Mount == "" || cfg.Path == "" {
		return nil, fmt.Errorf("vault mount and path are required")
	}

	apiConfig := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		apiConfig.Address = cfg.Address
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	return &VaultSource{
		api:    api,
		mount:  cfg.Mount,
		path:   cfg.Path,
		logger: logger.With(observability.String("component", "vault")),
	}, nil
}

// Read returns the API key entries of the secret.
func (s *VaultSource) Read(ctx context.Context) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s", s.mount, s.path)

	secret, err := s.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}

	// KV v2 nests the payload under "data"; deleted versions carry null.
	dataValue, hasData := secret.Data["data"]
	if hasData && dataValue == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}
	data, ok := dataValue.(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	return data, nil
}

// Load adds every entry of the secret to keys and returns how many were
// added. Malformed entries are skipped with a warning; keys that already
// exist are left untouched.
func (s *VaultSource) Load(ctx context.Context, keys *KeyStore) (int, error) {
	data, err := s.Read(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for key, raw := range data {
		clientID, scopes, ok := parseKeyEntry(raw)
		if !ok {
			s.logger.Warn("skipping malformed api key entry", observability.String("client_key_prefix", keyPrefix(key)))
			continue
		}
		if err := keys.Add(key, clientID, scopes); err != nil {
			if errors.Is(err, ErrKeyExists) {
				continue
			}
			return loaded, err
		}
		loaded++
	}

	s.logger.Info("api keys loaded from vault", observability.Int("count", loaded))
	return loaded, nil
}

func parseKeyEntry(raw interface{}) (clientID string, scopes []string, ok bool) {
	entry, isMap := raw.(map[string]interface{})
	if !isMap {
		return "", nil, false
	}

	clientID, _ = entry["client_id"].(string)
	if clientID == "" {
		return "", nil, false
	}

	switch v := entry["scopes"].(type) {
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
	case []interface{}:
		for _, item := range v {
			if s, isString := item.(string); isString {
				scopes = append(scopes, s)
			}
		}
	}

	return clientID, scopes, true
}

func keyPrefix(key string) string {
	const visible = 6
	if len(key) <= visible {
		return key
	}
	return key[:visible] + "..."
}
