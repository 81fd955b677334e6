package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Scope groups secrets; gantry scopes them by pipeline name.
type Scope string

type Secret[T any] struct {
	Key       string
	Value     T
	Scope     Scope
	CreatedAt time.Time
	CreatedBy string
}

// the secret is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext, never expose this publicly,
// only hand it to the stage executor
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error)
}

// Stopper is implemented by managers with background goroutines.
type Stopper interface {
	Stop()
}

var (
	ErrKeyAlreadyPresent = errors.New("key already present")
	ErrInvalidKeyIdent   = errors.New("key is not a valid identifier")
	ErrKeyNotFound       = errors.New("key not found")
)

var (
	_ = []Manager{
		&SqliteManager{},
		&OpenBaoManager{},
	}
)

var (
	// bash identifier syntax
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func ValidateKey(key string) error {
	if key == "" || !keyIdent.MatchString(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}

// Resolve fetches exactly the requested keys for a scope. It is the
// credential call the executor makes at stage execution time; a missing key
// is reported as ErrKeyNotFound naming the key.
func Resolve(ctx context.Context, m Manager, scope Scope, keys []string) ([]UnlockedSecret, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s (no credential store)", ErrKeyNotFound, keys[0])
	}

	all, err := m.GetSecretsUnlocked(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("fetching secrets for %s: %w", scope, err)
	}
	byKey := make(map[string]UnlockedSecret, len(all))
	for _, s := range all {
		byKey[s.Key] = s
	}

	out := make([]UnlockedSecret, 0, len(keys))
	for _, k := range keys {
		s, ok := byKey[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, k)
		}
		out = append(out, s)
	}
	return out, nil
}

// Values returns just the plaintext values, for redaction.
func Values(secrets []UnlockedSecret) []string {
	vals := make([]string, 0, len(secrets))
	for _, s := range secrets {
		vals = append(vals, s.Value)
	}
	return vals
}
