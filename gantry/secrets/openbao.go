package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// OpenBaoManager stores secrets in a KV v2 mount of an OpenBao (or Vault)
// server, authenticating with AppRole and renewing its token in the
// background.
type OpenBaoManager struct {
	client    *vault.Client
	mountPath string
	roleID    string
	secretID  string
	stopCh    chan struct{}
	stopOnce  sync.Once
	tokenMu   sync.RWMutex
	logger    *slog.Logger
}

type OpenBaoManagerOpt func(*OpenBaoManager)

func WithMountPath(mountPath string) OpenBaoManagerOpt {
	return func(v *OpenBaoManager) {
		v.mountPath = mountPath
	}
}

func NewOpenBaoManager(address, roleID, secretID string, logger *slog.Logger, opts ...OpenBaoManagerOpt) (*OpenBaoManager, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if roleID == "" {
		return nil, fmt.Errorf("role_id cannot be empty")
	}
	if secretID == "" {
		return nil, fmt.Errorf("secret_id cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create openbao client: %w", err)
	}

	if err := authenticateAppRole(client, roleID, secretID); err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}

	manager := &OpenBaoManager{
		client:    client,
		mountPath: "gantry",
		roleID:    roleID,
		secretID:  secretID,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(manager)
	}

	go manager.tokenRenewalLoop()

	return manager, nil
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	resp, err := client.Logical().Write("auth/approle/login", map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("no auth info returned from AppRole login")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (v *OpenBaoManager) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

func (v *OpenBaoManager) tokenRenewalLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			if err := v.ensureValidToken(); err != nil {
				v.logger.Error("openbao token renewal failed", "error", err)
			}
		}
	}
}

// ensureValidToken renews the token when its ttl drops under five minutes,
// and logs in again when the token is gone.
func (v *OpenBaoManager) ensureValidToken() error {
	v.tokenMu.Lock()
	defer v.tokenMu.Unlock()

	tokenInfo, err := v.client.Auth().Token().LookupSelf()
	if err != nil {
		v.logger.Warn("token lookup failed, re-authenticating", "error", err)
		return v.reAuthenticate()
	}
	if tokenInfo == nil || tokenInfo.Data == nil {
		return v.reAuthenticate()
	}

	ttl, ok := ttlSeconds(tokenInfo.Data["ttl"])
	if !ok {
		return v.reAuthenticate()
	}

	if ttl < 300 {
		v.logger.Info("token ttl low, attempting renewal", "ttl_seconds", ttl)

		renewResp, err := v.client.Auth().Token().RenewSelf(3600)
		if err != nil || renewResp == nil || renewResp.Auth == nil {
			v.logger.Warn("token renewal failed, re-authenticating", "error", err)
			return v.reAuthenticate()
		}

		v.logger.Info("token renewed", "new_ttl_seconds", renewResp.Auth.LeaseDuration)
	}

	return nil
}

func ttlSeconds(raw any) (int64, bool) {
	switch t := raw.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case interface{ Int64() (int64, error) }:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}

func (v *OpenBaoManager) reAuthenticate() error {
	v.logger.Info("re-authenticating with approle")
	if err := authenticateAppRole(v.client, v.roleID, v.secretID); err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	return nil
}

func (v *OpenBaoManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	secretPath := v.buildSecretPath(secret.Scope, secret.Key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err == nil && existing != nil {
		return ErrKeyAlreadyPresent
	}

	_, err = v.client.KVv2(v.mountPath).Put(ctx, secretPath, map[string]any{
		"value":      secret.Value,
		"scope":      string(secret.Scope),
		"key":        secret.Key,
		"created_at": secret.CreatedAt.Format(time.RFC3339),
		"created_by": secret.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to store secret in openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()
	secretPath := v.buildSecretPath(secret.Scope, secret.Key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err != nil || existing == nil {
		return ErrKeyNotFound
	}

	if err := v.client.KVv2(v.mountPath).Delete(ctx, secretPath); err != nil {
		return fmt.Errorf("failed to delete secret from openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error) {
	unlocked, err := v.GetSecretsUnlocked(ctx, scope)
	if err != nil {
		return nil, err
	}
	locked := make([]LockedSecret, 0, len(unlocked))
	for _, s := range unlocked {
		locked = append(locked, LockedSecret{
			Key:       s.Key,
			Scope:     s.Scope,
			CreatedAt: s.CreatedAt,
			CreatedBy: s.CreatedBy,
		})
	}
	return locked, nil
}

func (v *OpenBaoManager) GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()
	scopePath := v.buildScopePath(scope)

	list, err := v.client.Logical().ListWithContext(ctx, fmt.Sprintf("%s/metadata/%s", v.mountPath, scopePath))
	if err != nil {
		if strings.Contains(err.Error(), "no secret found") || strings.Contains(err.Error(), "no handler for route") {
			return []UnlockedSecret{}, nil
		}
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	if list == nil || list.Data == nil {
		return []UnlockedSecret{}, nil
	}

	keys, ok := list.Data["keys"].([]any)
	if !ok {
		return []UnlockedSecret{}, nil
	}

	var out []UnlockedSecret
	for _, k := range keys {
		key, ok := k.(string)
		if !ok {
			continue
		}

		kv, err := v.client.KVv2(v.mountPath).Get(ctx, path.Join(scopePath, key))
		if err != nil {
			if errors.Is(err, vault.ErrSecretNotFound) {
				continue
			}
			return nil, fmt.Errorf("reading secret %s: %w", key, err)
		}
		if kv == nil || kv.Data == nil {
			continue
		}
		s, ok := decodeSecret(kv.Data, scope, key)
		if ok {
			out = append(out, s)
		}
	}

	return out, nil
}

func decodeSecret(data map[string]any, scope Scope, key string) (UnlockedSecret, bool) {
	value, ok := data["value"].(string)
	if !ok {
		return UnlockedSecret{}, false
	}

	s := UnlockedSecret{Key: key, Value: value, Scope: scope}
	if k, ok := data["key"].(string); ok && k != "" {
		s.Key = k
	}
	if by, ok := data["created_by"].(string); ok {
		s.CreatedBy = by
	}
	if at, ok := data["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			s.CreatedAt = t
		}
	}
	return s, true
}

// buildScopePath turns a scope into a path segment without separators.
func (v *OpenBaoManager) buildScopePath(scope Scope) string {
	r := strings.NewReplacer("/", "_", ":", "_", ".", "_")
	return "scopes/" + r.Replace(string(scope))
}

func (v *OpenBaoManager) buildSecretPath(scope Scope, key string) string {
	return path.Join(v.buildScopePath(scope), key)
}
