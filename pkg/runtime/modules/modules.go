// Package modules is the function-module store named by §6 AMBIENT's
// deploy pipeline: compiled goja source bundles live in the ordinary
// document table under the reserved system tablet "_functions" (spec.md
// §1 places blob/file storage out of scope, so this is deliberately NOT a
// blob store), resolved through the same pkg/txn/pkg/commit path as any
// other document write.
package modules

import (
	"context"
	"fmt"

	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/auth"
	"github.com/pulsedb/pulse/pkg/commit"
	"github.com/pulsedb/pulse/pkg/index"
	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/txn"
	"github.com/pulsedb/pulse/pkg/types"
)

// Tablet is the reserved system table function source documents live in.
const Tablet types.TabletID = "_functions"

// Store resolves udf_path/component_path to deployed source and accepts
// new deployments, both via the ordinary commit pipeline.
type Store struct {
	store     persistence.Store
	registry  *index.Registry
	retention persistence.RetentionValidator
	committer *commit.Coordinator
}

// NewStore constructs a module store over the shared persistence/index/
// commit components.
func NewStore(store persistence.Store, registry *index.Registry, retention persistence.RetentionValidator, committer *commit.Coordinator) *Store {
	return &Store{store: store, registry: registry, retention: retention, committer: committer}
}

func locatorKey(componentPath, path string) string {
	return fmt.Sprintf("module_id:%s/%s", componentPath, path)
}

// Deploy writes (or replaces) the source for (componentPath, path),
// committing through the ordinary coordinator as the system identity.
func (s *Store) Deploy(ctx context.Context, componentPath, path, source string) (types.Timestamp, error) {
	tx := txn.New(auth.System(), s.committer.LastCommitTS(), s.store, s.registry, s.retention, txn.DefaultConfig())

	val := types.Object(map[string]types.Value{
		"component_path": types.String(componentPath),
		"path":           types.String(path),
		"source":         types.String(source),
	})

	key := locatorKey(componentPath, path)
	raw, found, err := s.store.GetPersistenceGlobal(ctx, key)
	if err != nil {
		return 0, err
	}
	if found {
		id := types.ParseDocumentID(string(raw))
		if err := tx.Replace(ctx, id, val); err != nil {
			return 0, err
		}
	} else {
		id, err := tx.Insert(ctx, Tablet, val)
		if err != nil {
			return 0, err
		}
		if err := s.store.WritePersistenceGlobal(ctx, key, []byte(id.String())); err != nil {
			return 0, err
		}
	}
	return s.committer.Commit(ctx, tx)
}

// ResolveAt opens a disposable read-only transaction at beginTS and
// resolves (componentPath, path) through it, for callers (e.g.
// pkg/session) that need a module lookup independent of the transaction
// that will go on to execute it. The lookup always runs as the system
// identity: the "_functions" tablet is reserved and end-user identities
// cannot read system tables directly (§4.3), but resolving the module a
// user's own query references is not itself a system-table access.
func (s *Store) ResolveAt(ctx context.Context, beginTS types.Timestamp, componentPath, path string) (string, error) {
	tx := txn.New(auth.System(), beginTS, s.store, s.registry, s.retention, txn.DefaultConfig())
	return s.Resolve(ctx, tx, componentPath, path)
}

// Resolve fetches the current source for (componentPath, path) inside an
// already-open transaction, so a function call and its module lookup
// share one snapshot.
func (s *Store) Resolve(ctx context.Context, tx *txn.Transaction, componentPath, path string) (string, error) {
	raw, found, err := s.store.GetPersistenceGlobal(ctx, locatorKey(componentPath, path))
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperror.New(apperror.NotFound, "modules.not_found", fmt.Sprintf("function %s not deployed", path))
	}
	doc, err := tx.Get(ctx, types.ParseDocumentID(string(raw)))
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", apperror.New(apperror.NotFound, "modules.not_found", fmt.Sprintf("function %s not deployed", path))
	}
	src, ok := doc.Value.Object["source"]
	if !ok {
		return "", apperror.New(apperror.Fatal, "modules.corrupt", fmt.Sprintf("function %s has no source field", path))
	}
	return src.Str, nil
}
