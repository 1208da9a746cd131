package server_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport/dynaport"
	"go.uber.org/zap"

	"github.com/lipandr/dlog/internal/client"
	dlog "github.com/lipandr/dlog/internal/log"
	"github.com/lipandr/dlog/internal/replication"
	"github.com/lipandr/dlog/internal/server"
	"github.com/lipandr/dlog/internal/session"
)

// refSender forwards session.Sender calls to a *server.Server constructed
// after the registry, breaking the construction cycle the same way
// cmd/dlog/main.go does.
type refSender struct {
	srv *server.Server
}

func (r *refSender) SendRecords(sessionID string, records []dlog.Record) error {
	return r.srv.SendRecords(sessionID, records)
}

func (r *refSender) SendCompactedSkip(sessionID string, newIndex uint64) error {
	return r.srv.SendCompactedSkip(sessionID, newIndex)
}

func startTestServer(t *testing.T) string {
	dir, err := os.MkdirTemp("", "server-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	journal, err := dlog.NewLog(dir, dlog.Config{}, zap.NewNop())
	require.NoError(t, err)

	ref := &refSender{}
	registry := session.NewRegistry(journal, ref, session.Config{SessionTimeout: time.Minute, ExpireInterval: time.Hour}, zap.NewNop())
	t.Cleanup(registry.Close)

	engine := replication.NewEngine("p", journal, registry, registry.PushCommitted, replication.Config{ReplicationFactor: 1}, zap.NewNop())
	t.Cleanup(engine.Close)
	require.NoError(t, engine.BecomePrimary(context.Background(), 1, nil))

	srv := server.New(journal, engine, registry, zap.NewNop())
	ref.srv = srv

	port := dynaport.Get(1)[0]
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go srv.Serve(addr)
	t.Cleanup(srv.Stop)

	// Give the listener a moment to come up.
	time.Sleep(50 * time.Millisecond)
	return addr
}

func TestWriteReadRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()

	c, err := client.Open(ctx, client.StaticLocator(addr), "m1", time.Minute, zap.NewNop())
	require.NoError(t, err)
	defer c.Close(ctx)

	idx, err := c.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	records, _, err := c.Read(ctx, 1, 1024)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "hello", string(records[0].Value))
}

func TestConsumeStreamDeliversNewWrites(t *testing.T) {
	addr := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := client.Open(ctx, client.StaticLocator(addr), "m1", time.Minute, zap.NewNop())
	require.NoError(t, err)
	defer c.Close(context.Background())

	events, err := c.Consume(ctx, 1)
	require.NoError(t, err)

	_, err = c.Write(ctx, []byte("one"))
	require.NoError(t, err)

	var mu sync.Mutex
	var gotValues []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			mu.Lock()
			for _, rec := range ev.Records {
				gotValues = append(gotValues, string(rec.Value))
			}
			mu.Unlock()
			if len(gotValues) >= 1 {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consume event")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, gotValues, "one")
}
