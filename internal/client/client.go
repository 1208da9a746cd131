// Package client is the producer/consumer SDK spec §5 describes: open a
// session against a partition's current primary, write with per-seq
// idempotent retry across transient transport failures, and consume via a
// server-streamed cursor that resumes after a CompactedSkip or a
// reconnect.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	v1 "github.com/lipandr/dlog/api/v1"
)

const codecName = "gob"

// writeMaxAttempts bounds Write's internal retry loop; writeBackoffBase/Max
// mirror replication.Config's backoff shape for the same kind of transient
// failure.
const (
	writeMaxAttempts = 5
	writeBackoffBase = 50 * time.Millisecond
	writeBackoffMax  = 2 * time.Second
)

// PrimaryLocator resolves the current primary's dial address, e.g. backed
// by election.Elector.Observe() plus a member-id-to-address directory.
type PrimaryLocator interface {
	PrimaryAddr(ctx context.Context) (string, error)
}

// Client is one producer/consumer session against a partition. It
// re-resolves the primary through locator whenever a Write attempt, a
// heartbeat or the Consume stream fails, per spec §4.3's "on change,
// reconnects and re-registers" requirement; Read and Close do not retry.
type Client struct {
	locator   PrimaryLocator
	memberID  string
	sessionID string
	logger    *zap.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
	addr string
	seq  uint64

	heartbeatStop chan struct{}
}

// Open dials the current primary and opens a session, starting a
// background heartbeat loop at interval.
func Open(ctx context.Context, locator PrimaryLocator, memberID string, heartbeatInterval time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr, err := locator.PrimaryAddr(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	var resp v1.OpenSessionResponse
	req := &v1.OpenSessionRequest{SessionID: sessionID, MemberID: memberID}
	if err := conn.Invoke(ctx, "/dlog.v1.Partition/OpenSession", req, &resp); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		locator:       locator,
		memberID:      memberID,
		sessionID:     sessionID,
		logger:        logger,
		conn:          conn,
		addr:          addr,
		heartbeatStop: make(chan struct{}),
	}
	go c.heartbeatLoop(heartbeatInterval)
	return c, nil
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
}

// activeConn returns the connection currently in use, safe to call
// concurrently with reconnect swapping it out.
func (c *Client) activeConn() *grpc.ClientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// reconnect re-resolves the current primary via locator. If it differs
// from the address this Client is using, it redials and re-opens this
// session against the new primary; if it's unchanged, it still re-opens
// the session in case the peer itself restarted. Used by Write's retry
// loop, the heartbeat loop, and Consume's re-subscribe path.
func (c *Client) reconnect(ctx context.Context) error {
	addr, err := c.locator.PrimaryAddr(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sameAddr := addr == c.addr && c.conn != nil
	current := c.conn
	c.mu.Unlock()

	if sameAddr {
		return c.openSessionOn(ctx, current)
	}

	conn, err := dial(addr)
	if err != nil {
		return err
	}
	if err := c.openSessionOn(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.addr = addr
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (c *Client) openSessionOn(ctx context.Context, conn *grpc.ClientConn) error {
	var resp v1.OpenSessionResponse
	req := &v1.OpenSessionRequest{SessionID: c.sessionID, MemberID: c.memberID}
	return conn.Invoke(ctx, "/dlog.v1.Partition/OpenSession", req, &resp)
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			var resp v1.HeartbeatResponse
			err := c.activeConn().Invoke(ctx, "/dlog.v1.Partition/Heartbeat", &v1.HeartbeatRequest{SessionID: c.sessionID}, &resp)
			if err != nil {
				c.logger.Warn("heartbeat failed, reconnecting", zap.Error(err))
				if rerr := c.reconnect(ctx); rerr != nil {
					c.logger.Warn("heartbeat reconnect failed", zap.Error(rerr))
				}
			}
			cancel()
		case <-c.heartbeatStop:
			return
		}
	}
}

// Write appends value under the next producer seq, retrying that same
// seq across transient transport failures (re-resolving and redialing the
// primary between attempts) so a caller that calls Write once never
// double-appends due to a retried RPC. A retry that lands on a primary
// which never received the original attempt is a fresh append, not a
// dedup: session sequence bookkeeping lives on the primary that served
// it, not in the replicated journal (spec's exactly-once-across-retries
// non-goal).
func (c *Client) Write(ctx context.Context, value []byte) (uint64, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	req := &v1.WriteRequest{SessionID: c.sessionID, Seq: seq, Value: value}
	var lastErr error
	backoff := writeBackoffBase
	for attempt := 0; attempt < writeMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			if backoff *= 2; backoff > writeBackoffMax {
				backoff = writeBackoffMax
			}
			if err := c.reconnect(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		var resp v1.WriteResponse
		err := c.activeConn().Invoke(ctx, "/dlog.v1.Partition/Write", req, &resp)
		if err == nil {
			return resp.Index, nil
		}
		lastErr = err
		c.logger.Warn("write attempt failed", zap.Uint64("seq", seq), zap.Int("attempt", attempt), zap.Error(err))
	}
	return 0, lastErr
}

// Read performs one bounded, non-streaming scan starting at fromIndex.
func (c *Client) Read(ctx context.Context, fromIndex uint64, maxBytes int) ([]v1.Record, uint64, error) {
	req := &v1.ReadRequest{FromIndex: fromIndex, MaxBytes: maxBytes}
	var resp v1.ReadResponse
	if err := c.activeConn().Invoke(ctx, "/dlog.v1.Partition/Read", req, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Records, resp.NextIndex, nil
}

// Close ends the session and releases the connection.
func (c *Client) Close(ctx context.Context) error {
	close(c.heartbeatStop)
	var resp v1.CloseSessionResponse
	conn := c.activeConn()
	err := conn.Invoke(ctx, "/dlog.v1.Partition/CloseSession", &v1.CloseSessionRequest{SessionID: c.sessionID}, &resp)
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// consumeStreamDesc describes the Consume server stream for
// grpc.ClientConn.NewStream, standing in for the generated client stub.
var consumeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Consume",
	ServerStreams: true,
}

func (c *Client) openConsumeStream(ctx context.Context, fromIndex uint64) (grpc.ClientStream, error) {
	stream, err := c.activeConn().NewStream(ctx, consumeStreamDesc, "/dlog.v1.Partition/Consume")
	if err != nil {
		return nil, err
	}
	req := &v1.ConsumeRequest{SessionID: c.sessionID, FromIndex: fromIndex}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// Consume opens the server-streamed Consume RPC starting at fromIndex and
// returns a channel of events; the channel closes when the stream ends
// for good (context cancelled, or reconnect itself fails). On a transport
// failure it re-resolves the primary, redials and re-registers the
// consumer starting just after the last record index it delivered to the
// caller (or at a CompactedSkip's NewIndex), per spec §4.3's reconnect
// semantics.
func (c *Client) Consume(ctx context.Context, fromIndex uint64) (<-chan v1.ConsumeEvent, error) {
	stream, err := c.openConsumeStream(ctx, fromIndex)
	if err != nil {
		return nil, err
	}

	out := make(chan v1.ConsumeEvent, 16)
	go c.consumeLoop(ctx, stream, fromIndex, out)
	return out, nil
}

func (c *Client) consumeLoop(ctx context.Context, stream grpc.ClientStream, cursor uint64, out chan<- v1.ConsumeEvent) {
	defer close(out)
	for {
		var ev v1.ConsumeEvent
		if err := stream.RecvMsg(&ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("consume stream ended, reconnecting", zap.Error(err))
			if rerr := c.reconnect(ctx); rerr != nil {
				c.logger.Warn("consume reconnect failed", zap.Error(rerr))
				return
			}
			newStream, serr := c.openConsumeStream(ctx, cursor)
			if serr != nil {
				c.logger.Warn("consume re-subscribe failed", zap.Error(serr))
				return
			}
			stream = newStream
			continue
		}

		if n := len(ev.Records); n > 0 {
			cursor = ev.Records[n-1].Index + 1
		} else if ev.CompactedSkip != nil {
			cursor = ev.CompactedSkip.NewIndex
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
