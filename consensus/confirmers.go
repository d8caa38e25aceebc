package consensus

import (
	"github.com/ethereum/go-ethereum/common"
)

// ConfirmerSet is the membership authority for consensus. Attestations from
// addresses outside the set are discarded.
type ConfirmerSet interface {
	Contains(addr common.Address) bool
	Size() int
	List() []common.Address
}

// StaticSet is a fixed confirmer set loaded from configuration.
type StaticSet struct {
	members map[common.Address]struct{}
	ordered []common.Address
}

func NewStaticSet(addrs []common.Address) *StaticSet {
	s := &StaticSet{members: make(map[common.Address]struct{}, len(addrs))}
	for _, addr := range addrs {
		if _, ok := s.members[addr]; ok {
			continue
		}
		s.members[addr] = struct{}{}
		s.ordered = append(s.ordered, addr)
	}
	return s
}

func (s *StaticSet) Contains(addr common.Address) bool {
	_, ok := s.members[addr]
	return ok
}

func (s *StaticSet) Size() int {
	return len(s.ordered)
}

func (s *StaticSet) List() []common.Address {
	return append([]common.Address(nil), s.ordered...)
}

// HasMajority reports whether n attestations out of total confirmers reach
// the two-thirds threshold, in integer arithmetic.
func HasMajority(n, total int) bool {
	return total > 0 && 3*n >= 2*total
}
