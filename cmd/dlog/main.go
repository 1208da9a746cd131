// Command dlog runs one partition node: journal, replication engine,
// session registry and grpc server wired together, following membership
// and election to move between primary and backup roles.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/lipandr/dlog/internal/config"
	"github.com/lipandr/dlog/internal/discovery"
	"github.com/lipandr/dlog/internal/election"
	dlog "github.com/lipandr/dlog/internal/log"
	"github.com/lipandr/dlog/internal/replication"
	"github.com/lipandr/dlog/internal/server"
	"github.com/lipandr/dlog/internal/session"
)

// serverRef breaks the construction cycle between session.Registry (which
// needs a Sender at construction) and server.Server (which needs a
// Registry at construction): the registry is handed a forwarding Sender
// whose target is filled in once the real server exists.
type serverRef struct {
	s *server.Server
}

func (r *serverRef) SendRecords(sessionID string, records []dlog.Record) error {
	return r.s.SendRecords(sessionID, records)
}

func (r *serverRef) SendCompactedSkip(sessionID string, newIndex uint64) error {
	return r.s.SendCompactedSkip(sessionID, newIndex)
}

// memberDirectory resolves a discovery member id to its rpc_addr tag, used
// to dial peers as replication.BackupClients.
type memberDirectory struct {
	membership *discovery.Membership
}

func (d *memberDirectory) rpcAddr(memberID string) (string, bool) {
	for _, m := range d.membership.Members() {
		if m.Name == memberID {
			addr, ok := m.Tags["rpc_addr"]
			return addr, ok
		}
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "", "path to node config yaml")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("dlog: building logger: %v", err)
	}
	defer logger.Sync()

	if *configPath == "" {
		logger.Fatal("dlog: -config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("dlog: loading config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("dlog: creating data dir", zap.Error(err))
	}
	journal, err := dlog.NewLog(cfg.DataDir, cfg.LogConfig(), logger)
	if err != nil {
		logger.Fatal("dlog: opening journal", zap.Error(err))
	}
	defer journal.Close()

	ref := &serverRef{}
	registry := session.NewRegistry(journal, ref, cfg.SessionRegistryConfig(), logger)
	defer registry.Close()

	engine := replication.NewEngine(cfg.NodeName, journal, registry, registry.PushCommitted, cfg.ReplicationEngineConfig(), logger)
	defer engine.Close()

	srv := server.New(journal, engine, registry, logger)
	ref.s = srv

	handler := &joinLeaveHandler{logger: logger}
	membership, err := discovery.New(handler, discovery.Config{
		NodeName:       cfg.NodeName,
		BindAddr:       cfg.BindAddr,
		Tags:           map[string]string{"rpc_addr": cfg.RPCAddr},
		StartJoinAddrs: cfg.SeedAddrs,
	}, logger)
	if err != nil {
		logger.Fatal("dlog: joining cluster", zap.Error(err))
	}
	defer membership.Leave()

	dir := &memberDirectory{membership: membership}
	elector := election.NewBullyElector(cfg.NodeName, membership, cfg.ElectionPollInterval, logger)
	defer elector.Close()

	go watchTerms(cfg.NodeName, elector, engine, dir, logger)

	logger.Info("dlog node starting", zap.String("node_name", cfg.NodeName), zap.String("rpc_addr", cfg.RPCAddr))
	if err := srv.Serve(cfg.RPCAddr); err != nil {
		logger.Error("dlog: server exited", zap.Error(err))
	}
}

// joinLeaveHandler logs membership changes; replication role transitions
// are driven entirely by watchTerms, not membership events directly.
type joinLeaveHandler struct {
	logger *zap.Logger
}

func (h *joinLeaveHandler) Join(memberID, addr string) error {
	h.logger.Info("member joined", zap.String("member_id", memberID), zap.String("addr", addr))
	return nil
}

func (h *joinLeaveHandler) Leave(memberID string) error {
	h.logger.Info("member left", zap.String("member_id", memberID))
	return nil
}

func watchTerms(selfID string, elector election.Elector, engine *replication.Engine, dir *memberDirectory, logger *zap.Logger) {
	for term := range elector.Observe() {
		ctx := context.Background()
		if term.Primary == selfID {
			backups := make(map[string]replication.BackupClient)
			for _, peerID := range dir.membership.Peers() {
				addr, ok := dir.rpcAddr(peerID)
				if !ok {
					continue
				}
				bc, err := server.DialBackup(peerID, addr)
				if err != nil {
					logger.Warn("dlog: dialing backup failed", zap.String("member_id", peerID), zap.Error(err))
					continue
				}
				backups[peerID] = bc
			}
			if err := engine.BecomePrimary(ctx, term.Number, backups); err != nil {
				logger.Warn("dlog: becoming primary failed", zap.Uint64("term", term.Number), zap.Error(err))
			}
		} else {
			engine.BecomeBackup(term.Number, term.Primary)
		}
	}
}
