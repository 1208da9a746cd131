// Package server wires the replication engine, the session registry and
// the journal itself onto a grpc.Server using the hand-rolled
// PartitionServiceDesc, mirroring the shape of the teacher's
// server.New(addr) *http.Server — just swapped from gorilla/mux's HTTP
// router onto grpc's RPC dispatch (see DESIGN.md).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	v1 "github.com/lipandr/dlog/api/v1"
	"github.com/lipandr/dlog/internal/log"
	"github.com/lipandr/dlog/internal/replication"
	"github.com/lipandr/dlog/internal/session"
)

// Server implements PartitionServer over one partition's journal,
// replication engine and session registry, and also implements
// session.Sender by routing to whichever Consume stream is currently open
// for a session.
type Server struct {
	journal  *log.Log
	engine   *replication.Engine
	registry *session.Registry
	logger   *zap.Logger

	grpcServer *grpc.Server

	mu      sync.Mutex
	streams map[string]Partition_ConsumeServer
}

// New builds a Server. The caller still must call registry's wiring so
// that PushCommitted reaches srv.SendRecords — see cmd/dlog for the
// composition that ties journal, engine, registry and Server together.
func New(journal *log.Log, engine *replication.Engine, registry *session.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		journal:  journal,
		engine:   engine,
		registry: registry,
		logger:   logger,
		streams:  make(map[string]Partition_ConsumeServer),
	}
}

// Serve starts a grpc.Server bound to addr and blocks until it stops.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	gs.RegisterService(&PartitionServiceDesc, s)

	s.mu.Lock()
	s.grpcServer = gs
	s.mu.Unlock()

	s.logger.Info("partition server listening", zap.String("addr", addr))
	return gs.Serve(lis)
}

// Stop gracefully shuts the grpc.Server down.
func (s *Server) Stop() {
	s.mu.Lock()
	gs := s.grpcServer
	s.mu.Unlock()
	if gs != nil {
		gs.GracefulStop()
	}
}

func toWireRecords(records []log.Record) []v1.Record {
	wire := make([]v1.Record, len(records))
	for i, r := range records {
		wire[i] = v1.Record{Index: r.Index, Timestamp: r.Timestamp, Value: r.Value}
	}
	return wire
}

// --- producer/consumer RPCs ---

func (s *Server) Write(ctx context.Context, req *v1.WriteRequest) (*v1.WriteResponse, error) {
	idx, err := s.engine.Write(ctx, req.SessionID, req.Seq, req.Value)
	if err != nil {
		return nil, translateErr(err)
	}
	return &v1.WriteResponse{Index: idx}, nil
}

func (s *Server) Read(ctx context.Context, req *v1.ReadRequest) (*v1.ReadResponse, error) {
	records, next, err := s.journal.Read(req.FromIndex, req.MaxBytes)
	if err != nil {
		return nil, translateErr(err)
	}
	return &v1.ReadResponse{Records: toWireRecords(records), NextIndex: next}, nil
}

func (s *Server) OpenSession(ctx context.Context, req *v1.OpenSessionRequest) (*v1.OpenSessionResponse, error) {
	s.registry.Open(req.SessionID, req.MemberID)
	return &v1.OpenSessionResponse{SessionID: req.SessionID}, nil
}

func (s *Server) CloseSession(ctx context.Context, req *v1.CloseSessionRequest) (*v1.CloseSessionResponse, error) {
	s.registry.Close(req.SessionID)
	return &v1.CloseSessionResponse{}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *v1.HeartbeatRequest) (*v1.HeartbeatResponse, error) {
	if err := s.registry.Heartbeat(req.SessionID); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &v1.HeartbeatResponse{}, nil
}

// Consume holds the stream open for the session's lifetime, registering it
// so SendRecords/SendCompactedSkip can reach it, and tears the
// registration down on disconnect.
func (s *Server) Consume(req *v1.ConsumeRequest, stream Partition_ConsumeServer) error {
	s.mu.Lock()
	s.streams[req.SessionID] = stream
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, req.SessionID)
		s.mu.Unlock()
	}()

	if _, _, err := s.registry.Consume(req.SessionID, req.FromIndex); err != nil {
		return status.Error(codes.NotFound, err.Error())
	}
	<-stream.Context().Done()
	return stream.Context().Err()
}

// SendRecords implements session.Sender against whichever Consume stream
// is currently open for sessionID.
func (s *Server) SendRecords(sessionID string, records []log.Record) error {
	s.mu.Lock()
	stream, ok := s.streams[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("server: no active consume stream for session %s", sessionID)
	}
	return stream.Send(&v1.ConsumeEvent{SessionID: sessionID, Records: toWireRecords(records)})
}

// SendCompactedSkip implements session.Sender's compaction notice.
func (s *Server) SendCompactedSkip(sessionID string, newIndex uint64) error {
	s.mu.Lock()
	stream, ok := s.streams[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("server: no active consume stream for session %s", sessionID)
	}
	return stream.Send(&v1.ConsumeEvent{SessionID: sessionID, CompactedSkip: &v1.CompactedSkip{NewIndex: newIndex}})
}

// --- peer-facing replication RPCs ---

func (s *Server) Replicate(ctx context.Context, req *v1.ReplicateRequest) (*v1.ReplicateResponse, error) {
	ack, rej, err := s.engine.Replicate(ctx, *req)
	if err != nil {
		return nil, translateErr(err)
	}
	if rej != nil {
		return &v1.ReplicateResponse{Accepted: false, Term: rej.Term, LastIndex: rej.LastIndex}, nil
	}
	return &v1.ReplicateResponse{Accepted: true, Term: ack.Term, LastIndex: ack.LastIndex}, nil
}

func (s *Server) Truncate(ctx context.Context, req *v1.TruncateRequest) (*v1.TruncateResponse, error) {
	last, err := s.engine.Truncate(ctx, req.Term, req.ThroughIndex)
	if err != nil {
		return nil, translateErr(err)
	}
	return &v1.TruncateResponse{Applied: true, LastIndex: last}, nil
}

func (s *Server) Commit(ctx context.Context, msg *v1.CommitMessage) (*v1.CommitAck, error) {
	if err := s.engine.Commit(ctx, msg.Term, msg.Index); err != nil {
		return nil, translateErr(err)
	}
	return &v1.CommitAck{}, nil
}

func (s *Server) Status(ctx context.Context, req *v1.StatusRequest) (*v1.StatusResponse, error) {
	last, err := s.engine.Status(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return &v1.StatusResponse{LastIndex: last}, nil
}

// translateErr maps this repo's sentinel errors to grpc status codes so a
// client-side RecordAt/Replicate caller can distinguish "not primary" from
// "unavailable" from a plain io error, per spec §7's error taxonomy.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == replication.ErrNotPrimary:
		return status.Error(codes.FailedPrecondition, err.Error())
	case err == replication.ErrStaleTerm:
		return status.Error(codes.FailedPrecondition, err.Error())
	case err == replication.ErrUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	case err == log.ErrOutOfRange:
		return status.Error(codes.OutOfRange, err.Error())
	case err == log.ErrBelowCommit:
		return status.Error(codes.FailedPrecondition, err.Error())
	case err == log.ErrPoisoned:
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
