package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	v1 "github.com/lipandr/dlog/api/v1"
	"github.com/lipandr/dlog/internal/replication"
)

// GRPCBackupClient implements replication.BackupClient over a grpc
// connection to a peer partition node, using the gob codec instead of a
// generated protobuf stub.
type GRPCBackupClient struct {
	id   string
	conn *grpc.ClientConn
}

// DialBackup connects to a peer partition node at addr, identified to the
// replication engine as id (the peer's discovery member id).
func DialBackup(id, addr string) (*GRPCBackupClient, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	return &GRPCBackupClient{id: id, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *GRPCBackupClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCBackupClient) ID() string { return c.id }

func (c *GRPCBackupClient) Status(ctx context.Context) (uint64, error) {
	var resp v1.StatusResponse
	if err := c.conn.Invoke(ctx, "/dlog.v1.Partition/Status", &v1.StatusRequest{}, &resp); err != nil {
		return 0, err
	}
	return resp.LastIndex, nil
}

func (c *GRPCBackupClient) RecordAt(ctx context.Context, index uint64) (v1.Record, error) {
	var resp v1.ReadResponse
	req := &v1.ReadRequest{FromIndex: index, MaxBytes: 1 << 20}
	if err := c.conn.Invoke(ctx, "/dlog.v1.Partition/Read", req, &resp); err != nil {
		return v1.Record{}, err
	}
	if len(resp.Records) == 0 {
		return v1.Record{}, replication.ErrUnavailable
	}
	return resp.Records[0], nil
}

func (c *GRPCBackupClient) Replicate(ctx context.Context, req v1.ReplicateRequest) (*v1.ReplicateAck, *v1.ReplicateReject, error) {
	var resp v1.ReplicateResponse
	if err := c.conn.Invoke(ctx, "/dlog.v1.Partition/Replicate", &req, &resp); err != nil {
		return nil, nil, err
	}
	if !resp.Accepted {
		return nil, &v1.ReplicateReject{Term: resp.Term, LastIndex: resp.LastIndex}, nil
	}
	return &v1.ReplicateAck{Term: resp.Term, LastIndex: resp.LastIndex}, nil, nil
}

func (c *GRPCBackupClient) Truncate(ctx context.Context, term uint64, throughIndex uint64) (uint64, error) {
	var resp v1.TruncateResponse
	req := &v1.TruncateRequest{Term: term, ThroughIndex: throughIndex}
	if err := c.conn.Invoke(ctx, "/dlog.v1.Partition/Truncate", req, &resp); err != nil {
		return 0, err
	}
	return resp.LastIndex, nil
}

func (c *GRPCBackupClient) Commit(ctx context.Context, term uint64, index uint64) error {
	var resp v1.CommitAck
	req := &v1.CommitMessage{Term: term, Index: index}
	return c.conn.Invoke(ctx, "/dlog.v1.Partition/Commit", req, &resp)
}
