// Package election defines the primary election collaborator spec §4.4
// describes, plus one concrete reference implementation. The replication
// engine only ever depends on the Elector interface: "no assumptions are
// made about how the primary is chosen" beyond monotone terms and exactly
// one primary per term.
package election

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Term names exactly one primary for a monotonically increasing term
// number, per spec §3.
type Term struct {
	Number  uint64
	Primary string
}

// Elector is the external election service collaborator. Observe's stream
// is monotonic in Number; the last event observed is the current truth.
type Elector interface {
	Observe() <-chan Term
	Close()
}

// PeerSource reports the other live members of the partition, e.g.
// discovery.Membership.Peers(); BullyElector adds its own id itself.
type PeerSource interface {
	Peers() []string
}

// BullyElector is a reference Elector: it deterministically elects the
// lexicographically lowest live member id as primary, and publishes a
// freshly incremented term whenever that elected id changes. It stands in for an external
// consensus-backed election service — this repo does not reimplement
// leader election as a core concern, per spec §1's scope boundary.
type BullyElector struct {
	selfID string
	peers  PeerSource
	logger *zap.Logger

	mu     sync.Mutex
	term   uint64
	last   string
	ch     chan Term
	done   chan struct{}
	ticker *time.Ticker
}

// NewBullyElector polls peers every pollInterval and publishes a new Term
// whenever the elected primary changes.
func NewBullyElector(selfID string, peers PeerSource, pollInterval time.Duration, logger *zap.Logger) *BullyElector {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &BullyElector{
		selfID: selfID,
		peers:  peers,
		logger: logger,
		ch:     make(chan Term, 1),
		done:   make(chan struct{}),
		ticker: time.NewTicker(pollInterval),
	}
	go e.run()
	return e
}

func (e *BullyElector) run() {
	e.evaluate()
	for {
		select {
		case <-e.ticker.C:
			e.evaluate()
		case <-e.done:
			return
		}
	}
}

func (e *BullyElector) evaluate() {
	candidates := append([]string{e.selfID}, e.peers.Peers()...)
	sort.Strings(candidates)
	primary := candidates[0]

	e.mu.Lock()
	if primary == e.last {
		e.mu.Unlock()
		return
	}
	e.term++
	e.last = primary
	term := Term{Number: e.term, Primary: primary}
	e.mu.Unlock()

	e.logger.Info("new term", zap.Uint64("term", term.Number), zap.String("primary", term.Primary))
	select {
	case e.ch <- term:
	default:
		// Drain the stale pending term so Observe always sees the latest.
		select {
		case <-e.ch:
		default:
		}
		e.ch <- term
	}
}

// Observe returns the stream of elected terms.
func (e *BullyElector) Observe() <-chan Term {
	return e.ch
}

// Close stops the election poller.
func (e *BullyElector) Close() {
	e.ticker.Stop()
	close(e.done)
}
