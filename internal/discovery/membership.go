// Package discovery wraps a gossip-based membership provider so the
// replication engine can ask "who are my peers right now" without caring
// how that's discovered. It is the reference realization of spec §4.4's
// membership.peers() collaborator, grounded on the classic proglog
// internal/discovery package built on hashicorp/serf.
package discovery

import (
	"net"

	"github.com/hashicorp/serf/serf"
	"go.uber.org/zap"
)

// Handler is notified of membership changes so the replication engine can
// react (e.g. a newly elected primary re-checking backup tails).
type Handler interface {
	Join(memberID, raftAddr string) error
	Leave(memberID string) error
}

// Config configures one member's participation in the serf cluster.
type Config struct {
	NodeName       string
	BindAddr       string
	Tags           map[string]string
	StartJoinAddrs []string
}

// Membership drives a serf.Serf instance and forwards join/leave events to
// a Handler, while also exposing the current peer set directly.
type Membership struct {
	Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
	logger  *zap.Logger
}

// New creates and starts a Membership, joining any StartJoinAddrs.
func New(handler Handler, config Config, logger *zap.Logger) (*Membership, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Membership{
		Config:  config,
		handler: handler,
		logger:  logger,
	}
	if err := m.setupSerf(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Membership) setupSerf() (err error) {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return err
	}

	config := serf.DefaultConfig()
	config.Init()
	config.MemberlistConfig.BindAddr = addr.IP.String()
	config.MemberlistConfig.BindPort = addr.Port
	m.events = make(chan serf.Event)
	config.EventCh = m.events
	config.Tags = m.Tags
	config.NodeName = m.NodeName

	m.serf, err = serf.Create(config)
	if err != nil {
		return err
	}
	go m.eventHandler()

	if m.StartJoinAddrs != nil {
		_, err = m.serf.Join(m.StartJoinAddrs, true)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Membership) eventHandler() {
	for e := range m.events {
		switch e.EventType() {
		case serf.EventMemberJoin:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleJoin(member)
			}
		case serf.EventMemberLeave, serf.EventMemberFailed:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleLeave(member)
			}
		}
	}
}

func (m *Membership) handleJoin(member serf.Member) {
	if m.handler == nil {
		return
	}
	if err := m.handler.Join(member.Name, member.Tags["rpc_addr"]); err != nil {
		m.logError(err, "failed to join", member)
	}
}

func (m *Membership) handleLeave(member serf.Member) {
	if m.handler == nil {
		return
	}
	if err := m.handler.Leave(member.Name); err != nil {
		m.logError(err, "failed to leave", member)
	}
}

func (m *Membership) isLocal(member serf.Member) bool {
	return m.serf.LocalMember().Name == member.Name
}

// Members returns the current snapshot of serf cluster members, live or
// not; callers typically filter by Status == serf.StatusAlive.
func (m *Membership) Members() []serf.Member {
	return m.serf.Members()
}

// Peers returns the member IDs of every other live peer, satisfying spec
// §4.4's membership.peers().
func (m *Membership) Peers() []string {
	var peers []string
	for _, member := range m.serf.Members() {
		if m.isLocal(member) || member.Status != serf.StatusAlive {
			continue
		}
		peers = append(peers, member.Name)
	}
	return peers
}

// Leave gracefully removes this node from the cluster.
func (m *Membership) Leave() error {
	return m.serf.Leave()
}

func (m *Membership) logError(err error, msg string, member serf.Member) {
	m.logger.Error(msg, zap.Error(err), zap.String("name", member.Name), zap.String("rpc_addr", member.Tags["rpc_addr"]))
}
