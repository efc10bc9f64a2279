package realtime

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/clock"
	"github.com/smallbiznis/warung/internal/config"
	"github.com/smallbiznis/warung/internal/observability/metrics"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/order/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseLocalClosing Phase = "local-closing"
)

type tableGuard struct {
	inflight      int
	cooldownUntil time.Time
	vacatedAt     time.Time
	orders        map[snowflake.ID]struct{}
}

type GuardParams struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Settings *config.SettlementConfigHolder
}

// Guard keeps pushed changes from undoing what this till just did. Each table
// moves idle -> local-closing while a close runs and stays there for the
// configured cooldown after it finishes.
type Guard struct {
	mu      sync.Mutex
	tables  map[snowflake.ID]*tableGuard
	closing map[snowflake.ID]snowflake.ID

	clock    clock.Clock
	settings *config.SettlementConfigHolder
	log      *zap.Logger
}

func NewGuard(p GuardParams) *Guard {
	return &Guard{
		tables:   make(map[snowflake.ID]*tableGuard),
		closing:  make(map[snowflake.ID]snowflake.ID),
		clock:    p.Clock,
		settings: p.Settings,
		log:      p.Log.Named("realtime.guard"),
	}
}

// BeginClosing enters local-closing for the table and order. The returned
// release must be called exactly once when the close finishes, successful or
// not; it starts the cooldown.
func (g *Guard) BeginClosing(tableID, orderID snowflake.ID) (release func()) {
	g.mu.Lock()
	tg := g.tableLocked(tableID)
	tg.inflight++
	tg.orders[orderID] = struct{}{}
	g.closing[orderID] = tableID
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if tg.inflight > 0 {
				tg.inflight--
			}
			tg.cooldownUntil = g.clock.Now().Add(g.config().ClosingCooldown)
			g.log.Debug("realtime.guard.cooldown",
				zap.String("table_id", tableID.String()),
				zap.String("order_id", orderID.String()),
				zap.Time("until", tg.cooldownUntil),
			)
		})
	}
}

// MarkVacated records that this till just made the table available.
func (g *Guard) MarkVacated(tableID snowflake.ID) {
	g.mu.Lock()
	g.tableLocked(tableID).vacatedAt = g.clock.Now()
	g.mu.Unlock()
}

// CloseFailed forgets a close whose writes were undone, so the restored order
// is accepted again.
func (g *Guard) CloseFailed(tableID, orderID snowflake.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.closing, orderID)
	if tg, ok := g.tables[tableID]; ok {
		delete(tg.orders, orderID)
		tg.vacatedAt = time.Time{}
	}
}

// Phase reports the table's reconciliation phase.
func (g *Guard) Phase(tableID snowflake.ID) Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closingLocked(tableID, g.clock.Now()) {
		return PhaseLocalClosing
	}
	return PhaseIdle
}

// Admit implements store.RemoteFilter.
func (g *Guard) Admit(target domain.Target, patch domain.Patch, current *domain.TableState) store.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.pruneLocked(now)

	tableID := target.TableID
	if tableID == 0 && target.OrderID != 0 {
		tableID = g.closing[target.OrderID]
	}
	if tableID != 0 && g.closingLocked(tableID, now) {
		return store.Decision{Rule: metrics.SuppressSelfEcho}
	}
	if target.OrderID != 0 {
		if owner, ok := g.closing[target.OrderID]; ok && g.closingLocked(owner, now) {
			return store.Decision{Rule: metrics.SuppressSelfEcho}
		}
	}

	if g.staleReopenLocked(tableID, patch, current, now) || g.revivesClosedOrderLocked(patch, now) {
		return store.Decision{Rule: metrics.SuppressStaleReopen}
	}
	return store.Decision{Apply: true}
}

// staleReopenLocked matches a remote "available, no order" for a table this
// till vacated inside the window while the local state already shows exactly
// that.
func (g *Guard) staleReopenLocked(tableID snowflake.ID, patch domain.Patch, current *domain.TableState, now time.Time) bool {
	if patch.Kind != domain.PatchUpsertTable || patch.Table == nil || current == nil {
		return false
	}
	if patch.Table.Status != domain.TableStatusAvailable || patch.Table.CurrentOrderID != nil {
		return false
	}
	tg, ok := g.tables[tableID]
	if !ok || tg.vacatedAt.IsZero() || now.Sub(tg.vacatedAt) > g.config().VacateWindow {
		return false
	}
	return current.Order == nil &&
		current.Table.Status == domain.TableStatusAvailable &&
		current.Table.CurrentOrderID == nil &&
		current.Table.Number == patch.Table.Number
}

// revivesClosedOrderLocked matches a remote open order, or a table pointing at
// one, for an order this till closed inside the vacate window.
func (g *Guard) revivesClosedOrderLocked(patch domain.Patch, now time.Time) bool {
	var orderID snowflake.ID
	switch {
	case patch.Kind == domain.PatchSetOrder && patch.Order != nil && patch.Order.Status == domain.OrderStatusOpen:
		orderID = patch.Order.ID
	case patch.Kind == domain.PatchUpsertTable && patch.Table != nil && patch.Table.CurrentOrderID != nil:
		orderID = *patch.Table.CurrentOrderID
	default:
		return false
	}
	owner, ok := g.closing[orderID]
	if !ok {
		return false
	}
	tg, ok := g.tables[owner]
	if !ok || tg.vacatedAt.IsZero() {
		return false
	}
	return now.Sub(tg.vacatedAt) <= g.config().VacateWindow
}

func (g *Guard) closingLocked(tableID snowflake.ID, now time.Time) bool {
	tg, ok := g.tables[tableID]
	if !ok {
		return false
	}
	return tg.inflight > 0 || now.Before(tg.cooldownUntil)
}

// pruneLocked forgets tables whose close and vacate windows have both passed.
func (g *Guard) pruneLocked(now time.Time) {
	window := g.config().VacateWindow
	for id, tg := range g.tables {
		if tg.inflight > 0 || now.Before(tg.cooldownUntil) {
			continue
		}
		if !tg.vacatedAt.IsZero() && now.Sub(tg.vacatedAt) <= window {
			continue
		}
		for orderID := range tg.orders {
			delete(g.closing, orderID)
		}
		delete(g.tables, id)
	}
}

func (g *Guard) tableLocked(tableID snowflake.ID) *tableGuard {
	tg, ok := g.tables[tableID]
	if !ok {
		tg = &tableGuard{orders: make(map[snowflake.ID]struct{})}
		g.tables[tableID] = tg
	}
	return tg
}

func (g *Guard) config() config.SettlementConfig {
	if g.settings == nil {
		return config.DefaultSettlementConfig()
	}
	return g.settings.Get()
}

var _ store.RemoteFilter = (*Guard)(nil)
