package persist

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ionvault/persist/internal/cluster"
	"github.com/ionvault/persist/internal/migration"
	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/shard"
	"github.com/ionvault/persist/internal/types"
)

type renameArgs struct {
	Name string `json:"name"`
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	ctx := context.Background()
	app, err := Open(ctx, t.TempDir(), OpenOptions{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	desc := types.EntityDescriptor{
		TypeName:  "user",
		TableName: "users",
		Fields:    []types.FieldDescriptor{{Name: "name", Kind: types.KindText}},
	}
	plan := migration.Plan{CurrentVersion: 1, Steps: []migration.Step{{FromVersion: 0, ToVersion: 1}}}
	if err := app.RegisterCollection(ctx, desc, plan); err != nil {
		t.Fatalf("RegisterCollection: %v", err)
	}
	app.RegisterDeterministicCommand("user", "rename", 1, func(state *types.State, payload json.RawMessage) error {
		var args renameArgs
		if err := json.Unmarshal(payload, &args); err != nil {
			return err
		}
		state.SetField("name", types.Text(args.Name))
		return nil
	})
	return app
}

func TestOpenCreatesRootLayout(t *testing.T) {
	app := newTestApp(t)
	if _, err := os.Stat(filepath.Join(app.Root(), "data.db")); err != nil {
		t.Fatalf("expected data.db to exist: %v", err)
	}
}

func TestAppDispatchLocalPath(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	vec, _ := app.Collection("user")
	st, err := vec.Create(ctx, map[string]types.Value{"name": types.Text("Alice")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload, _ := json.Marshal(renameArgs{Name: "Bob"})
	res, err := app.Dispatch(ctx, "user", st.PersistID, st.Metadata.Version, "rename", 1, payload)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.State.Field("name").S != "Bob" {
		t.Fatalf("expected name Bob, got %q", res.State.Field("name").S)
	}
}

func TestTransactionRetriesOnWriteWriteConflict(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	attempts := 0
	err := app.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		if attempts < 2 {
			return perr.WriteWriteConflictf("simulated contention")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestTransactionDoesNotRetryOtherErrors(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	attempts := 0
	err := app.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		return perr.NotFoundf("no such entity")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestDispatchForwardsToLeaderOverNetwork(t *testing.T) {
	ctx := context.Background()

	leader := newTestApp(t)
	follower, err := Open(ctx, t.TempDir(), OpenOptions{NodeID: "follower"})
	if err != nil {
		t.Fatalf("Open follower: %v", err)
	}
	t.Cleanup(func() { _ = follower.Close() })

	tbl := shard.NewTable(1, "leader")

	sharedDir := t.TempDir()
	dir, err := cluster.Open(sharedDir)
	if err != nil {
		t.Fatalf("cluster.Open: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	leaderAddr := ln.Addr().String()
	if err := dir.Announce("leader", leaderAddr); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = shard.Serve(serveCtx, ln, leader.HandleForwardedEnvelope) }()

	leader.EnableClusterRouting(tbl, shard.NewNetForwarder(dir.AddrFor, 2*time.Second))
	follower.EnableClusterRouting(tbl, shard.NewNetForwarder(dir.AddrFor, 2*time.Second))

	vec, _ := leader.Collection("user")
	st, err := vec.Create(ctx, map[string]types.Value{"name": types.Text("Alice")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload, _ := json.Marshal(renameArgs{Name: "Bob"})
	res, err := follower.Dispatch(ctx, "user", st.PersistID, st.Metadata.Version, "rename", 1, payload)
	if err != nil {
		t.Fatalf("Dispatch via follower: %v", err)
	}
	if res.State.Field("name").S != "Bob" {
		t.Fatalf("expected name Bob after forwarded dispatch, got %q", res.State.Field("name").S)
	}
}

func TestTransactionGivesUpAfterMaxAttempts(t *testing.T) {
	app := newTestApp(t)
	app.policy.ConflictRetry.MaxAttempts = 2
	app.policy.ConflictRetry.BaseBackoffMS = 1
	ctx := context.Background()

	attempts := 0
	err := app.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		return perr.WriteWriteConflictf("always contends")
	})
	if !perr.Is(err, perr.WriteWriteConflict) {
		t.Fatalf("expected WriteWriteConflict after exhausting retries, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly max_attempts=2 attempts, got %d", attempts)
	}
}
