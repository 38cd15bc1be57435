package shard

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ionvault/persist/internal/perr"
)

func startTestServer(t *testing.T, handle EnvelopeHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = Serve(ctx, ln, handle) }()
	return ln.Addr().String()
}

func TestNetForwarderRoundTripsSuccessfulReply(t *testing.T) {
	addr := startTestServer(t, func(ctx context.Context, env Envelope) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"entity_type": env.EntityType})
	})

	fwd := NewNetForwarder(func(nodeID string) (string, bool) { return addr, true }, 2*time.Second)
	reply, err := fwd.ForwardCommand(context.Background(), "leader", Envelope{EntityType: "user", CommandName: "rename"})
	if err != nil {
		t.Fatalf("ForwardCommand: %v", err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(reply, &decoded); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if decoded["entity_type"] != "user" {
		t.Fatalf("expected entity_type=user, got %+v", decoded)
	}
}

func TestNetForwarderSurfacesHandlerError(t *testing.T) {
	addr := startTestServer(t, func(ctx context.Context, env Envelope) (json.RawMessage, error) {
		return nil, perr.NotFoundf("no such entity %q", env.PersistID)
	})

	fwd := NewNetForwarder(func(nodeID string) (string, bool) { return addr, true }, 2*time.Second)
	_, err := fwd.ForwardCommand(context.Background(), "leader", Envelope{EntityType: "user", PersistID: "abc"})
	if err == nil {
		t.Fatal("expected an error from the handler to propagate back to the client")
	}
}

func TestNetForwarderUnknownAddressIsRouteStale(t *testing.T) {
	fwd := NewNetForwarder(func(nodeID string) (string, bool) { return "", false }, time.Second)
	_, err := fwd.ForwardCommand(context.Background(), "ghost", Envelope{})
	if perr.KindOf(err) != perr.RouteStale {
		t.Fatalf("expected RouteStale for unknown node address, got %v", err)
	}
}
