package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/secretseal"
)

const envGlobalKey = "env:vars"

// envStore implements runtime.EnvProvider over the persistence-global KV,
// sealing every value at rest with secretseal (§6: "environment variables
// and file-storage metadata").
type envStore struct {
	store  persistence.Store
	sealer *secretseal.Sealer
}

func newEnvStore(store persistence.Store, sealer *secretseal.Sealer) *envStore {
	return &envStore{store: store, sealer: sealer}
}

func (e *envStore) load(ctx context.Context) (map[string]secretseal.EnvVar, error) {
	raw, found, err := e.store.GetPersistenceGlobal(ctx, envGlobalKey)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]secretseal.EnvVar)
	if !found {
		return vars, nil
	}
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, fmt.Errorf("env: decode stored variables: %w", err)
	}
	return vars, nil
}

func (e *envStore) save(ctx context.Context, vars map[string]secretseal.EnvVar) error {
	raw, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	return e.store.WritePersistenceGlobal(ctx, envGlobalKey, raw)
}

// Get implements runtime.EnvProvider.
func (e *envStore) Get(ctx context.Context, name string) (string, bool, error) {
	vars, err := e.load(ctx)
	if err != nil {
		return "", false, err
	}
	v, ok := vars[name]
	if !ok {
		return "", false, nil
	}
	plaintext, err := e.sealer.OpenEnv(v)
	if err != nil {
		return "", false, err
	}
	return plaintext, true, nil
}

// Set seals and stores name=value, used by pulsectl's `env set`.
func (e *envStore) Set(ctx context.Context, name, value string, isSecret bool) error {
	vars, err := e.load(ctx)
	if err != nil {
		return err
	}
	sealed, err := e.sealer.SealEnv(name, value, isSecret)
	if err != nil {
		return err
	}
	vars[name] = sealed
	return e.save(ctx, vars)
}

// Unset removes name, used by pulsectl's `env unset`.
func (e *envStore) Unset(ctx context.Context, name string) error {
	vars, err := e.load(ctx)
	if err != nil {
		return err
	}
	delete(vars, name)
	return e.save(ctx, vars)
}
