package client

import (
	"context"
	"fmt"

	"github.com/lipandr/dlog/internal/election"
)

// StaticLocator always resolves to the same address; useful for tests and
// single-node setups.
type StaticLocator string

func (s StaticLocator) PrimaryAddr(ctx context.Context) (string, error) {
	return string(s), nil
}

// ElectorLocator resolves the primary's address by watching an
// election.Elector and mapping the elected member id through a static
// directory of member id -> dial address.
type ElectorLocator struct {
	elector  election.Elector
	addrs    map[string]string
	lastTerm election.Term
	haveTerm bool
}

// NewElectorLocator builds a locator over elector, resolving elected
// member ids through addrs.
func NewElectorLocator(elector election.Elector, addrs map[string]string) *ElectorLocator {
	return &ElectorLocator{elector: elector, addrs: addrs}
}

// PrimaryAddr blocks until at least one term has been observed (if none
// has yet), then resolves the most recently observed primary's address.
func (l *ElectorLocator) PrimaryAddr(ctx context.Context) (string, error) {
	if !l.haveTerm {
		select {
		case term := <-l.elector.Observe():
			l.lastTerm = term
			l.haveTerm = true
		case <-ctx.Done():
			return "", ctx.Err()
		}
	} else {
		select {
		case term := <-l.elector.Observe():
			l.lastTerm = term
		default:
		}
	}
	addr, ok := l.addrs[l.lastTerm.Primary]
	if !ok {
		return "", fmt.Errorf("client: no known address for primary %q", l.lastTerm.Primary)
	}
	return addr, nil
}
