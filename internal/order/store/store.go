package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/pubsub"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ChangesTopic is the hub topic every state change is published on.
const ChangesTopic = "tables"

type Source string

const (
	SourceLocal    Source = "local"
	SourceRemote   Source = "remote"
	SourceRollback Source = "rollback"
	SourceResync   Source = "resync"
)

// Change announces a new store version.
type Change struct {
	Version uint64       `json:"version"`
	TableID snowflake.ID `json:"table_id,omitempty"`
	Source  Source       `json:"source"`
	Removed bool         `json:"removed,omitempty"`
}

// Decision is a RemoteFilter verdict. Rule names the suppression rule when
// Apply is false.
type Decision struct {
	Apply bool
	Rule  string
}

// RemoteFilter decides whether a pushed remote change may touch local state.
// Admit is called with the store locked and must not call back into it.
type RemoteFilter interface {
	Admit(target domain.Target, patch domain.Patch, current *domain.TableState) Decision
}

// RemoteOutcome reports what ApplyRemotePatch did.
type RemoteOutcome struct {
	Decision
	Changed bool
	Version uint64
}

const RuleUnknownTarget = "unknown_target"

type Params struct {
	fx.In

	Log    *zap.Logger
	Filter RemoteFilter `optional:"true"`
}

// Store is the in-memory source of truth the presentation layer renders from.
// It never performs I/O.
type Store struct {
	mu      sync.RWMutex
	tables  map[snowflake.ID]domain.TableState
	version uint64
	focused snowflake.ID
	filter  RemoteFilter

	hub *pubsub.Hub[Change]
	log *zap.Logger
}

func New(p Params) *Store {
	return &Store{
		tables: make(map[snowflake.ID]domain.TableState),
		filter: p.Filter,
		hub:    pubsub.NewHub[Change](pubsub.WithBacklog(0), pubsub.WithSubscriberBuffer(64)),
		log:    p.Log.Named("order.store"),
	}
}

// GetTable returns a copy of one table's state.
func (s *Store) GetTable(tableID snowflake.ID) (domain.TableState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tables[tableID]
	if !ok {
		return domain.TableState{}, false
	}
	return st.Clone(), true
}

// Snapshot returns every table ordered by number.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() domain.Snapshot {
	out := domain.Snapshot{Version: s.version, Tables: make([]domain.TableState, 0, len(s.tables))}
	for _, st := range s.tables {
		out.Tables = append(out.Tables, st.Clone())
	}
	sort.Slice(out.Tables, func(i, j int) bool {
		if out.Tables[i].Table.Number != out.Tables[j].Table.Number {
			return out.Tables[i].Table.Number < out.Tables[j].Table.Number
		}
		return out.Tables[i].Table.ID < out.Tables[j].Table.ID
	})
	return out
}

// ApplyLocalPatch applies operator patches atomically: either all apply or none.
// Totals are recomputed before the new snapshot is returned.
func (s *Store) ApplyLocalPatch(tableID snowflake.ID, patches ...domain.Patch) (domain.Snapshot, error) {
	change, err := s.applyPatches(tableID, patches, modeLocal, SourceLocal)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.mu.RLock()
	snapshot := s.snapshotLocked()
	s.mu.RUnlock()
	s.publish(change)
	return snapshot, nil
}

// RestoreItem rolls one line back to its last confirmed value. A nil previous
// value removes the line.
func (s *Store) RestoreItem(tableID, orderID, itemID snowflake.ID, previous *domain.OrderItem) error {
	patch := domain.RemoveItem(orderID, itemID)
	if previous != nil {
		patch = domain.UpsertItem(*previous)
	}
	change, err := s.applyPatches(tableID, []domain.Patch{patch}, modeRemote, SourceRollback)
	if err != nil {
		return err
	}
	s.publish(change)
	return nil
}

// Revert reapplies patches leniently, for undoing an optimistic change.
func (s *Store) Revert(tableID snowflake.ID, patches ...domain.Patch) error {
	change, err := s.applyPatches(tableID, patches, modeRemote, SourceRollback)
	if err != nil {
		return err
	}
	s.publish(change)
	return nil
}

// ApplyRemotePatch routes a pushed change through the RemoteFilter. The
// filter runs under the store's write lock, so no local patch can land
// between its verdict and the write. Patches that would not change anything
// visible are dropped without a version bump.
func (s *Store) ApplyRemotePatch(target domain.Target, patch domain.Patch) (RemoteOutcome, error) {
	s.mu.Lock()
	current, exists := s.tables[target.TableID]
	if !exists && patch.Kind != domain.PatchUpsertTable {
		s.mu.Unlock()
		return RemoteOutcome{Decision: Decision{Rule: RuleUnknownTarget}}, nil
	}
	decision := Decision{Apply: true}
	if s.filter != nil {
		var currentCopy *domain.TableState
		if exists {
			c := current.Clone()
			currentCopy = &c
		}
		decision = s.filter.Admit(target, patch, currentCopy)
	}
	if !decision.Apply {
		version := s.version
		s.mu.Unlock()
		return RemoteOutcome{Decision: decision, Version: version}, nil
	}

	change, err := s.applyLocked(target.TableID, []domain.Patch{patch}, modeRemote, SourceRemote)
	version := s.version
	s.mu.Unlock()
	if err != nil {
		return RemoteOutcome{Decision: decision}, err
	}
	s.publish(change)
	return RemoteOutcome{Decision: decision, Changed: change != nil, Version: version}, nil
}

// Load replaces the whole store, for the initial sync.
func (s *Store) Load(states []domain.TableState) uint64 {
	s.mu.Lock()
	s.tables = make(map[snowflake.ID]domain.TableState, len(states))
	for _, st := range states {
		st = st.Clone()
		st.Order.Recalculate()
		s.tables[st.Table.ID] = st
	}
	s.version++
	change := &Change{Version: s.version, Source: SourceResync}
	s.mu.Unlock()
	s.publish(change)
	return change.Version
}

// ReplaceTable overwrites one table with state fetched from the remote store.
func (s *Store) ReplaceTable(state domain.TableState) {
	state = state.Clone()
	state.Order.Recalculate()
	s.mu.Lock()
	if current, ok := s.tables[state.Table.ID]; ok && sameState(current, state) {
		s.mu.Unlock()
		return
	}
	s.tables[state.Table.ID] = state
	s.version++
	change := &Change{Version: s.version, TableID: state.Table.ID, Source: SourceResync}
	s.mu.Unlock()
	s.publish(change)
}

// RemoveTable drops a table, e.g. after a resync finds it deleted.
func (s *Store) RemoveTable(tableID snowflake.ID) {
	s.mu.Lock()
	if _, ok := s.tables[tableID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tables, tableID)
	s.version++
	change := &Change{Version: s.version, TableID: tableID, Source: SourceResync, Removed: true}
	s.mu.Unlock()
	s.publish(change)
}

// TableForOrder finds the table currently holding an order.
func (s *Store) TableForOrder(orderID snowflake.ID) (snowflake.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, st := range s.tables {
		if st.Order != nil && st.Order.ID == orderID {
			return id, true
		}
	}
	return 0, false
}

// HasTableNumber reports whether a table with the number exists.
func (s *Store) HasTableNumber(number int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.tables {
		if st.Table.Number == number {
			return true
		}
	}
	return false
}

// NextTableNumber returns one past the highest table number.
func (s *Store) NextTableNumber() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	highest := 0
	for _, st := range s.tables {
		if st.Table.Number > highest {
			highest = st.Table.Number
		}
	}
	return highest + 1
}

// Focus records the order the operator is looking at. Zero clears it.
func (s *Store) Focus(orderID snowflake.ID) {
	s.mu.Lock()
	s.focused = orderID
	s.mu.Unlock()
}

func (s *Store) Focused() snowflake.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.focused
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe streams state changes. Close the subscription when done.
func (s *Store) Subscribe() (*pubsub.Subscription[Change], error) {
	sub, _, err := s.hub.Subscribe(ChangesTopic)
	return sub, err
}

func (s *Store) applyPatches(tableID snowflake.ID, patches []domain.Patch, m mode, source Source) (*Change, error) {
	if len(patches) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(tableID, patches, m, source)
}

// applyLocked requires s.mu held for writing.
func (s *Store) applyLocked(tableID snowflake.ID, patches []domain.Patch, m mode, source Source) (*Change, error) {
	if len(patches) == 0 {
		return nil, nil
	}
	current, exists := s.tables[tableID]
	if !exists && patches[0].Kind != domain.PatchUpsertTable {
		if m == modeLocal {
			return nil, domain.ErrTableNotFound
		}
		return nil, nil
	}

	next := current.Clone()
	removed := false
	for _, patch := range patches {
		if removed {
			return nil, domain.ErrInvalidPatch
		}
		gone, err := apply(&next, patch, m)
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		removed = gone
	}
	if next.Table.ID == 0 && !removed {
		next.Table.ID = tableID
	}

	switch {
	case removed && !exists:
		return nil, nil
	case removed:
		delete(s.tables, tableID)
	case exists && sameState(current, next):
		return nil, nil
	default:
		s.tables[tableID] = next
	}
	s.version++
	return &Change{Version: s.version, TableID: tableID, Source: source, Removed: removed}, nil
}

func (s *Store) publish(change *Change) {
	if change == nil {
		return
	}
	if dropped := s.hub.Publish(ChangesTopic, *change); dropped > 0 {
		s.log.Debug("store.change.dropped", zap.Uint64("version", change.Version), zap.Int("subscribers", dropped))
	}
}
