package escrow

import (
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

// Store is the persistence boundary for pools and allowances. Entries
// load on demand; a missing entry is reported through the found flag,
// never as an error.
type Store interface {
	Pool(owner identity.Badge) (p *Pool, found bool, err error)
	PutPool(p *Pool) error

	Allowance(id string) (a *Allowance, found bool, err error)
	PutAllowance(a *Allowance) error
	DeleteAllowance(id string) error

	Close() error
}

// MemStore keeps all state in process memory. Suitable for tests and
// single-process demos; use BoltStore when state must survive.
type MemStore struct {
	pools      map[string]*Pool
	allowances map[string]*Allowance
}

func NewMemStore() *MemStore {
	return &MemStore{
		pools:      make(map[string]*Pool),
		allowances: make(map[string]*Allowance),
	}
}

func (s *MemStore) Pool(owner identity.Badge) (*Pool, bool, error) {
	p, ok := s.pools[owner.String()]
	return p, ok, nil
}

func (s *MemStore) PutPool(p *Pool) error {
	s.pools[p.Owner.String()] = p
	return nil
}

func (s *MemStore) Allowance(id string) (*Allowance, bool, error) {
	a, ok := s.allowances[id]
	return a, ok, nil
}

func (s *MemStore) PutAllowance(a *Allowance) error {
	s.allowances[a.ID] = a
	return nil
}

func (s *MemStore) DeleteAllowance(id string) error {
	delete(s.allowances, id)
	return nil
}

func (s *MemStore) Close() error { return nil }
