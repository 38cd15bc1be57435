// Package persist is the root of the persistence runtime: PersistApp opens
// a root directory (config, locking, sessions, collections, the entity
// runtime, and the background snapshot worker) and PersistTx wraps a single
// retryable logical transaction against it. Grounded on BeadsLog's top-level
// `Store`/`Daemon` lifecycle (open workspace, acquire lock, open db, start
// background workers, close in reverse order).
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ionvault/persist/internal/cluster"
	"github.com/ionvault/persist/internal/config"
	"github.com/ionvault/persist/internal/lockfile"
	"github.com/ionvault/persist/internal/logging"
	"github.com/ionvault/persist/internal/managedvec"
	"github.com/ionvault/persist/internal/migration"
	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/runtime"
	"github.com/ionvault/persist/internal/session"
	"github.com/ionvault/persist/internal/shard"
	"github.com/ionvault/persist/internal/types"
)

// App is PersistApp: the single entry point an embedding program opens
// once per root directory. It owns the root lock, the SQL session, the
// entity runtime, and (optionally) cluster routing.
type App struct {
	root   string
	policy config.Policy
	log    *slog.Logger
	logCloser func() error

	lock *lockfile.RootLock
	db   *session.Session
	rt   *runtime.Runtime

	routing   *shard.Table
	forwarder shard.Forwarder
	nodeID    string
}

// OpenOptions configures App.Open beyond the root path.
type OpenOptions struct {
	// NodeID identifies this process for shard routing/epoch fencing;
	// irrelevant for a single-node deployment.
	NodeID string
	// LogToStderr also mirrors log records to stderr, useful for a
	// foreground CLI invocation.
	LogToStderr bool
	// MailboxIdleAfter bounds how long an idle per-entity mailbox is kept
	// resident before eviction; defaults to 10m.
	MailboxIdleAfter time.Duration
}

// Open acquires the root lock, loads configuration, opens the SQL session
// and logging, and constructs the entity runtime for root (creating the
// directory if absent). The caller must call Close when done.
func Open(ctx context.Context, root string, opts OpenOptions) (*App, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, perr.Storagef(err, "failed to create root directory %q", root)
	}

	lock, err := lockfile.Acquire(filepath.Join(root, "persist.lock"))
	if err != nil {
		return nil, err
	}

	policy, err := config.Load(root)
	if err != nil {
		_ = lock.Release()
		return nil, perr.Wrap(perr.Validation, "config-load-failed", "failed to load policy", err)
	}

	log, closer, err := logging.New(logging.Options{Root: root, AlsoStderr: opts.LogToStderr})
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	db, err := session.Open(ctx, filepath.Join(root, "data.db"))
	if err != nil {
		_ = closer.Close()
		_ = lock.Release()
		return nil, err
	}

	idleAfter := opts.MailboxIdleAfter
	if idleAfter <= 0 {
		idleAfter = 10 * time.Minute
	}

	app := &App{
		root:      root,
		policy:    policy,
		log:       log,
		logCloser: closer.Close,
		lock:      lock,
		db:        db,
		rt:        runtime.New(policy, idleAfter, log),
		nodeID:    opts.NodeID,
	}
	return app, nil
}

// Close stops the background snapshot worker and releases the SQL session
// and root lock, in reverse acquisition order.
func (a *App) Close() error {
	a.rt.StopSnapshotWorker()
	var errs []error
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.logCloser(); err != nil {
		errs = append(errs, err)
	}
	if err := a.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartBackgroundWorkers starts the snapshot worker; a no-op if
// snapshot.background_worker_interval_ms is unset in policy.
func (a *App) StartBackgroundWorkers(ctx context.Context) {
	a.rt.StartSnapshotWorker(ctx)
}

// Root returns the directory this App was opened against.
func (a *App) Root() string { return a.root }

// Policy returns the effective configuration policy.
func (a *App) Policy() config.Policy { return a.policy }

// Logger returns the App's structured logger.
func (a *App) Logger() *slog.Logger { return a.log }

// RegisterCollection opens (or reopens) a ManagedPersistVec and its journal
// for one entity type under this App's root and session.
func (a *App) RegisterCollection(ctx context.Context, desc types.EntityDescriptor, plan migration.Plan) error {
	return a.rt.RegisterCollection(ctx, a.root, a.db, desc, plan)
}

// Collection returns the ManagedPersistVec registered for entityType.
func (a *App) Collection(entityType string) (*managedvec.Vec, bool) {
	return a.rt.Collection(entityType)
}

// RegisterDeterministicCommand registers a journaled, exactly-replayable
// command handler.
func (a *App) RegisterDeterministicCommand(entityType, commandName string, payloadSchemaVersion int, h runtime.DeterministicCommandHandler) {
	a.rt.RegisterDeterministicCommand(entityType, commandName, payloadSchemaVersion, h)
}

// RegisterEnvelopeHandler registers a journaled handler that may also
// declare side effects.
func (a *App) RegisterEnvelopeHandler(entityType, commandName string, payloadSchemaVersion int, h runtime.DeterministicEnvelopeHandler) {
	a.rt.RegisterEnvelopeHandler(entityType, commandName, payloadSchemaVersion, h)
}

// RegisterRuntimeClosure registers a non-replayable closure handler.
func (a *App) RegisterRuntimeClosure(entityType, commandName string, h runtime.RuntimeClosureHandler) {
	a.rt.RegisterRuntimeClosure(entityType, commandName, h)
}

// RegisterCommandPayloadMigration registers a payload transform from
// fromVersion to fromVersion+1 for (entityType, commandName).
func (a *App) RegisterCommandPayloadMigration(entityType, commandName string, fromVersion int, m runtime.CommandPayloadMigrator) {
	a.rt.RegisterCommandPayloadMigration(entityType, commandName, fromVersion, m)
}

// Recover replays every registered collection from its latest snapshot plus
// the journal suffix after its watermark. Call once, before serving
// traffic, after every RegisterCollection call for this open.
func (a *App) Recover(ctx context.Context) error {
	return a.rt.Recover(ctx)
}

// EnableClusterRouting configures this App to participate in a sharded
// cluster, wiring tbl and fwd into every subsequent Dispatch call. Call
// before serving traffic; a single-node App never needs this.
func (a *App) EnableClusterRouting(tbl *shard.Table, fwd shard.Forwarder) {
	a.routing = tbl
	a.forwarder = fwd
}

// EnableClusterRoutingViaDirectory is the common case of EnableClusterRouting:
// it opens (or creates) the on-disk node address directory at
// <root>/cluster_directory.json, announces this node's own listenAddr under
// opts.NodeID, and wires a shard.NetForwarder that resolves peer addresses
// through that directory.
func (a *App) EnableClusterRoutingViaDirectory(tbl *shard.Table, listenAddr string, dialTimeout time.Duration) (*cluster.Directory, error) {
	dir, err := cluster.Open(a.root)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		if err := dir.Announce(a.nodeID, listenAddr); err != nil {
			return nil, err
		}
	}
	fwd := shard.NewNetForwarder(dir.AddrFor, dialTimeout)
	a.EnableClusterRouting(tbl, fwd)
	return dir, nil
}

// ServeCluster listens on listenAddr and answers forwarded Envelopes from
// peer nodes by running HandleForwardedEnvelope, until ctx is done. It
// blocks; callers typically run it in its own goroutine after
// EnableClusterRoutingViaDirectory.
func (a *App) ServeCluster(ctx context.Context, listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return perr.Storagef(err, "listening for cluster forwarder connections on %q", listenAddr)
	}
	return shard.Serve(ctx, ln, a.HandleForwardedEnvelope)
}

// HandleForwardedEnvelope is the leader-side counterpart of Dispatch's
// forwarding path: given an Envelope received over a shard.Forwarder's wire
// (e.g. shard.NetForwarder's server loop), it checks epoch fencing, dispatches
// locally, replicates to the shard's followers, and waits for write quorum
// before returning a JSON-marshaled DispatchResult suitable as the
// forwarder's reply payload.
func (a *App) HandleForwardedEnvelope(ctx context.Context, env shard.Envelope) (json.RawMessage, error) {
	var shardID uint32
	if a.routing != nil {
		policy := shard.WritePolicy{EnforceEpochFencing: a.policy.Replication.EnforceEpochFencing}
		if err := shard.CheckEpochFencing(policy, a.routing, env, env.PersistID); err != nil {
			return nil, err
		}
		shardID = a.routing.ShardFor(env.EntityType, env.PersistID)
	}
	result, err := a.rt.Dispatch(ctx, env.EntityType, env.PersistID, env.ExpectedVersion, env.CommandName, env.SchemaVersion, env.Payload)
	if err != nil {
		return nil, err
	}
	if a.routing != nil {
		replEnv := env
		replEnv.OriginNode = a.nodeID
		if _, err := a.replicateAndAwaitQuorum(ctx, shardID, replEnv); err != nil {
			return nil, err
		}
	}
	reply, err := json.Marshal(result)
	if err != nil {
		return nil, perr.Internalf("failed to marshal dispatch result for forwarding reply: %v", err)
	}
	return reply, nil
}

// replicateAndAwaitQuorum fans env out to shardID's replicas other than this
// node (whose own local apply, already done by the caller, counts as the
// first acknowledgement) and blocks until the shard's write quorum is
// reached or Replication.AckTimeoutMS elapses. It is a no-op when cluster
// routing isn't enabled. When Replication.RequireQuorum is set and quorum
// isn't reached in time, it returns the partial QuorumStatus alongside a
// QuorumNotMet error — the write already committed locally, but callers that
// need cluster durability must treat that as a failure.
func (a *App) replicateAndAwaitQuorum(ctx context.Context, shardID uint32, env shard.Envelope) (*shard.QuorumStatus, error) {
	if a.routing == nil {
		return nil, nil
	}
	status := &shard.QuorumStatus{
		ShardID:           shardID,
		RequiredAcks:      a.routing.WriteQuorumForShard(shardID),
		AcknowledgedNodes: []string{a.nodeID},
	}

	var followers []string
	for _, nodeID := range a.routing.ReplicaNodesForShard(shardID) {
		if nodeID != a.nodeID {
			followers = append(followers, nodeID)
		}
	}

	if len(followers) > 0 && a.forwarder != nil {
		replCtx := ctx
		if timeout := a.policy.Replication.AckTimeout(); timeout > 0 {
			var cancel context.CancelFunc
			replCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		results, err := a.forwarder.ReplicateCommand(replCtx, followers, env)
		if err != nil {
			status.FailedNodes = append(status.FailedNodes, followers...)
		} else {
			for nodeID, ackErr := range results {
				if ackErr == nil {
					status.AcknowledgedNodes = append(status.AcknowledgedNodes, nodeID)
				} else {
					status.FailedNodes = append(status.FailedNodes, nodeID)
				}
			}
		}
	}

	if a.policy.Replication.RequireQuorum && !status.QuorumMet() {
		return status, perr.QuorumNotMetf("shard %d: %d of %d required acks reached (failed: %v)",
			shardID, len(status.AcknowledgedNodes), status.RequiredAcks, status.FailedNodes)
	}
	return status, nil
}

// Dispatch runs the named command against one entity, transparently
// forwarding to the shard's leader when cluster routing is enabled and
// this node is not the leader, or executing locally (and replicating to the
// shard's followers under write quorum) otherwise.
func (a *App) Dispatch(ctx context.Context, entityType, persistID string, expectedVersion int64, commandName string, payloadSchemaVersion int, payload json.RawMessage) (runtime.DispatchResult, error) {
	if a.routing == nil {
		return a.rt.Dispatch(ctx, entityType, persistID, expectedVersion, commandName, payloadSchemaVersion, payload)
	}

	route := a.routing.RouteFor(entityType, persistID, a.nodeID)
	if route.LocalIsLeader {
		result, err := a.rt.Dispatch(ctx, entityType, persistID, expectedVersion, commandName, payloadSchemaVersion, payload)
		if err != nil {
			return runtime.DispatchResult{}, err
		}
		env := shard.Envelope{
			EntityType: entityType, PersistID: persistID, ExpectedVersion: expectedVersion,
			CommandName: commandName, SchemaVersion: payloadSchemaVersion, Payload: payload,
			OriginEpoch: route.LeaderEpoch, OriginNode: a.nodeID,
		}
		if _, err := a.replicateAndAwaitQuorum(ctx, route.ShardID, env); err != nil {
			return runtime.DispatchResult{}, err
		}
		return result, nil
	}

	env := shard.Envelope{
		EntityType: entityType, PersistID: persistID, ExpectedVersion: expectedVersion,
		CommandName: commandName, SchemaVersion: payloadSchemaVersion, Payload: payload,
		OriginEpoch: route.LeaderEpoch, OriginNode: a.nodeID,
	}
	reply, err := a.forwarder.ForwardCommand(ctx, route.LeaderNodeID, env)
	if err != nil {
		return runtime.DispatchResult{}, perr.Wrap(perr.RouteStale, "forward-failed",
			fmt.Sprintf("forwarding to leader %q for shard %d failed", route.LeaderNodeID, route.ShardID), err)
	}
	var result runtime.DispatchResult
	if err := json.Unmarshal(reply, &result); err != nil {
		return runtime.DispatchResult{}, perr.Internalf("failed to decode forwarded dispatch reply: %v", err)
	}
	return result, nil
}

// Tx is PersistTx: a retryable logical transaction boundary wrapping
// Dispatch calls against one App. It is not a single SQL transaction — the
// underlying atomic scope per Dispatch already commits individually —
// rather it retries the whole body on WriteWriteConflict per the
// conflict_retry policy (retry on write-write conflict with exponential
// backoff).
type Tx struct {
	app *App
}

// Transaction runs body against app, retrying on WriteWriteConflict errors
// per app.Policy().ConflictRetry, with jittered exponential backoff. Any
// other error, or exhausting max_attempts, returns immediately.
func (a *App) Transaction(ctx context.Context, body func(ctx context.Context, tx *Tx) error) error {
	cfg := a.policy.ConflictRetry
	tx := &Tx{app: a}

	var lastErr error
	backoff := time.Duration(cfg.BaseBackoffMS) * time.Millisecond
	maxBackoff := time.Duration(cfg.MaxBackoffMS) * time.Millisecond

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := body(ctx, tx)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := cfg.RetryWriteWrite && perr.Is(err, perr.WriteWriteConflict)
		if !retryable || attempt == cfg.MaxAttempts {
			return err
		}

		jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		a.log.Warn("retrying transaction after write-write conflict", "attempt", attempt, "error", err)
	}
	return lastErr
}

// Dispatch runs a command within the logical transaction's App.
func (tx *Tx) Dispatch(ctx context.Context, entityType, persistID string, expectedVersion int64, commandName string, payloadSchemaVersion int, payload json.RawMessage) (runtime.DispatchResult, error) {
	return tx.app.Dispatch(ctx, entityType, persistID, expectedVersion, commandName, payloadSchemaVersion, payload)
}

// Collection exposes a registered collection for reads within the
// transaction body.
func (tx *Tx) Collection(entityType string) (*managedvec.Vec, bool) {
	return tx.app.Collection(entityType)
}
