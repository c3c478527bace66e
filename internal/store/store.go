// Package store holds the pipeline's only long-lived mutable state: keyed
// running totals per payer, recipient and facilitator, plus daily rollups.
//
// Blocks apply and undo as whole units. Undo is the exact algebraic inverse
// of apply, so rolling back a suffix of blocks reproduces the state of never
// having applied them. A subtraction that would go negative means the books
// are corrupt and processing must halt.
package store

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/estensen/x402-pipeline/internal/models"
)

// Role identifies which side of a settlement an aggregate tracks.
type Role string

const (
	RolePayer       Role = "payer"
	RoleRecipient   Role = "recipient"
	RoleFacilitator Role = "facilitator"
)

// Invariant violations. Any of these means aggregates can no longer be
// trusted; callers must stop applying blocks.
var (
	ErrNegativeTotal  = errors.New("undo would drive an aggregate total negative")
	ErrUnknownBlock   = errors.New("undo for a block never recorded as applied")
	ErrOutOfOrderUndo = errors.New("undo must target the most recently applied block")
)

// InvariantError wraps one of the sentinel violations with context.
type InvariantError struct {
	Block  uint64
	Detail string
	Err    error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation at block %d: %s: %v", e.Block, e.Detail, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// seenMark captures an actor's first/last-seen bounds before a block touched
// it, so undo can restore them exactly. Amounts and counts are additive and
// need no snapshot; block bounds are not.
type seenMark struct {
	first   uint64
	last    uint64
	existed bool
}

type blockJournal struct {
	number      uint64
	settlements []models.Settlement
	prevSeen    map[Role]map[string]seenMark
	prevDates   map[string]bool // date existed before this block
}

// Store is the aggregate store. One writer applies and undoes blocks; the
// actor maps are concurrency-safe so stats and API readers can snapshot
// while the writer runs.
type Store struct {
	payers       *xsync.Map[string, *models.ActorAggregate]
	recipients   *xsync.Map[string, *models.ActorAggregate]
	facilitators *xsync.Map[string, *models.ActorAggregate]

	mu      sync.RWMutex
	daily   map[string]*models.DailyAggregate
	members map[string]map[Role]map[string]int // date -> role -> address -> settlement count
	journal []blockJournal
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		payers:       xsync.NewMap[string, *models.ActorAggregate](),
		recipients:   xsync.NewMap[string, *models.ActorAggregate](),
		facilitators: xsync.NewMap[string, *models.ActorAggregate](),
		daily:        make(map[string]*models.DailyAggregate),
		members:      make(map[string]map[Role]map[string]int),
	}
}

func (s *Store) roleMap(role Role) *xsync.Map[string, *models.ActorAggregate] {
	switch role {
	case RolePayer:
		return s.payers
	case RoleRecipient:
		return s.recipients
	default:
		return s.facilitators
	}
}

// addressKey lowercases the hex form so aggregation is checksum-insensitive.
func addressKey(s models.Settlement, role Role) string {
	switch role {
	case RolePayer:
		return strings.ToLower(s.Payer.Hex())
	case RoleRecipient:
		return strings.ToLower(s.Recipient.Hex())
	default:
		return strings.ToLower(s.Facilitator.Hex())
	}
}

// ApplyBlock applies every settlement of one block in ascending
// (tx index, log index) order and journals it for later undo.
func (s *Store) ApplyBlock(number uint64, settlements []models.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]models.Settlement, len(settlements))
	copy(ordered, settlements)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].TxIndex != ordered[j].TxIndex {
			return ordered[i].TxIndex < ordered[j].TxIndex
		}
		return ordered[i].LogIndex < ordered[j].LogIndex
	})

	entry := blockJournal{
		number:      number,
		settlements: ordered,
		prevSeen: map[Role]map[string]seenMark{
			RolePayer:       {},
			RoleRecipient:   {},
			RoleFacilitator: {},
		},
		prevDates: make(map[string]bool),
	}

	for i := range ordered {
		s.applyOne(&entry, &ordered[i])
	}

	s.journal = append(s.journal, entry)
	return nil
}

func (s *Store) applyOne(entry *blockJournal, st *models.Settlement) {
	for _, role := range []Role{RolePayer, RoleRecipient, RoleFacilitator} {
		key := addressKey(*st, role)
		m := s.roleMap(role)
		agg, ok := m.Load(key)

		if _, marked := entry.prevSeen[role][key]; !marked {
			mark := seenMark{existed: ok}
			if ok {
				mark.first = agg.FirstSeenBlock
				mark.last = agg.LastSeenBlock
			}
			entry.prevSeen[role][key] = mark
		}

		var next *models.ActorAggregate
		if ok {
			next = agg.Clone()
		} else {
			next = &models.ActorAggregate{
				Address:        key,
				TotalAmount:    new(big.Int),
				TotalGas:       new(big.Int),
				FirstSeenBlock: st.BlockNumber,
			}
		}
		next.TotalAmount.Add(next.TotalAmount, st.Amount)
		next.TotalCount++
		next.LastSeenBlock = st.BlockNumber
		if role == RoleFacilitator {
			next.TotalGas.Add(next.TotalGas, st.GasCost())
		}
		m.Store(key, next)
	}

	date := st.Date()
	day, ok := s.daily[date]
	if _, marked := entry.prevDates[date]; !marked {
		entry.prevDates[date] = ok
	}
	if !ok {
		day = &models.DailyAggregate{Date: date, Volume: new(big.Int)}
		s.daily[date] = day
	}
	day.Volume.Add(day.Volume, st.Amount)
	day.SettlementCount++

	// Distinct-participant counts track membership transitions: only the
	// first settlement by an address on a date bumps the unique counter.
	if s.bumpMember(date, RolePayer, addressKey(*st, RolePayer)) {
		day.UniquePayers++
	}
	if s.bumpMember(date, RoleRecipient, addressKey(*st, RoleRecipient)) {
		day.UniqueRecipients++
	}
}

// bumpMember increments the per-date membership count and reports whether
// the address just became a member.
func (s *Store) bumpMember(date string, role Role, key string) bool {
	byRole, ok := s.members[date]
	if !ok {
		byRole = make(map[Role]map[string]int)
		s.members[date] = byRole
	}
	byAddr, ok := byRole[role]
	if !ok {
		byAddr = make(map[string]int)
		byRole[role] = byAddr
	}
	byAddr[key]++
	return byAddr[key] == 1
}

// dropMember decrements the membership count and reports whether the address
// just left the set. Going below zero is an invariant violation.
func (s *Store) dropMember(date string, role Role, key string) (bool, error) {
	byAddr := s.members[date][role]
	if byAddr == nil || byAddr[key] == 0 {
		return false, fmt.Errorf("%w: no membership for %s %s on %s", ErrNegativeTotal, role, key, date)
	}
	byAddr[key]--
	if byAddr[key] == 0 {
		delete(byAddr, key)
		return true, nil
	}
	return false, nil
}

// UndoBlock reverses the most recently applied block. It returns the
// settlements that were reverted so the emitter can build the compensating
// change-set. Undoing any other block is fatal.
func (s *Store) UndoBlock(number uint64) ([]models.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.journal) == 0 {
		return nil, &InvariantError{Block: number, Detail: "journal is empty", Err: ErrUnknownBlock}
	}
	tip := &s.journal[len(s.journal)-1]
	if tip.number != number {
		for i := range s.journal {
			if s.journal[i].number == number {
				return nil, &InvariantError{
					Block:  number,
					Detail: fmt.Sprintf("tip is block %d", tip.number),
					Err:    ErrOutOfOrderUndo,
				}
			}
		}
		return nil, &InvariantError{Block: number, Detail: "block not in journal", Err: ErrUnknownBlock}
	}

	// Reverse application order within the block.
	for i := len(tip.settlements) - 1; i >= 0; i-- {
		if err := s.undoOne(&tip.settlements[i]); err != nil {
			return nil, &InvariantError{Block: number, Detail: tip.settlements[i].ID(), Err: err}
		}
	}

	// Restore first/last-seen bounds, and remove actors the block created.
	for role, marks := range tip.prevSeen {
		m := s.roleMap(role)
		for key, mark := range marks {
			agg, ok := m.Load(key)
			if !ok {
				continue
			}
			if agg.TotalCount == 0 && !mark.existed {
				m.Delete(key)
				continue
			}
			next := agg.Clone()
			next.FirstSeenBlock = mark.first
			next.LastSeenBlock = mark.last
			m.Store(key, next)
		}
	}
	for date, existed := range tip.prevDates {
		if day, ok := s.daily[date]; ok && day.SettlementCount == 0 && !existed {
			delete(s.daily, date)
			delete(s.members, date)
		}
	}

	reverted := tip.settlements
	s.journal = s.journal[:len(s.journal)-1]
	return reverted, nil
}

func (s *Store) undoOne(st *models.Settlement) error {
	for _, role := range []Role{RolePayer, RoleRecipient, RoleFacilitator} {
		key := addressKey(*st, role)
		m := s.roleMap(role)
		agg, ok := m.Load(key)
		if !ok || agg.TotalCount == 0 {
			return fmt.Errorf("%w: %s %s has no applied settlements", ErrNegativeTotal, role, key)
		}
		next := agg.Clone()
		next.TotalAmount.Sub(next.TotalAmount, st.Amount)
		if next.TotalAmount.Sign() < 0 {
			return fmt.Errorf("%w: %s %s amount", ErrNegativeTotal, role, key)
		}
		next.TotalCount--
		if role == RoleFacilitator {
			next.TotalGas.Sub(next.TotalGas, st.GasCost())
			if next.TotalGas.Sign() < 0 {
				return fmt.Errorf("%w: facilitator %s gas", ErrNegativeTotal, key)
			}
		}
		m.Store(key, next)
	}

	date := st.Date()
	day, ok := s.daily[date]
	if !ok || day.SettlementCount == 0 {
		return fmt.Errorf("%w: daily %s has no applied settlements", ErrNegativeTotal, date)
	}
	day.Volume.Sub(day.Volume, st.Amount)
	if day.Volume.Sign() < 0 {
		return fmt.Errorf("%w: daily %s volume", ErrNegativeTotal, date)
	}
	day.SettlementCount--

	left, err := s.dropMember(date, RolePayer, addressKey(*st, RolePayer))
	if err != nil {
		return err
	}
	if left {
		day.UniquePayers--
	}
	left, err = s.dropMember(date, RoleRecipient, addressKey(*st, RoleRecipient))
	if err != nil {
		return err
	}
	if left {
		day.UniqueRecipients--
	}
	return nil
}

// Actor returns a copy of one actor aggregate, or nil if the address has
// never been seen in that role (or was fully rolled back).
func (s *Store) Actor(role Role, address string) *models.ActorAggregate {
	agg, ok := s.roleMap(role).Load(strings.ToLower(address))
	if !ok {
		return nil
	}
	return agg.Clone()
}

// Actors returns copies of all aggregates for one role.
func (s *Store) Actors(role Role) []*models.ActorAggregate {
	var out []*models.ActorAggregate
	s.roleMap(role).Range(func(_ string, agg *models.ActorAggregate) bool {
		out = append(out, agg.Clone())
		return true
	})
	return out
}

// Daily returns a copy of one date's rollup, or nil if the date has no
// applied settlements.
func (s *Store) Daily(date string) *models.DailyAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day, ok := s.daily[date]
	if !ok {
		return nil
	}
	return day.Clone()
}

// LastApplied returns the number of the most recently applied block.
func (s *Store) LastApplied() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.journal) == 0 {
		return 0, false
	}
	return s.journal[len(s.journal)-1].number, true
}
