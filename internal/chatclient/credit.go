package chatclient

// reservationState tracks the lifecycle of one optimistic decrement.
type reservationState int

const (
	reservationActive reservationState = iota
	reservationCommitted
	reservationRolledBack
)

// Reservation is the handle returned by Reserve. Commit or Rollback must be
// called exactly once per handle; duplicate calls are tolerated as no-ops.
type Reservation struct {
	id uint64
}

// CreditGate 维护加急额度的本地镜像。后端余额是权威副本；镜像可以在确认
// 之前乐观地减一，但在任何 reserve/commit/rollback 交错下都不会为负。
// 与 Store 一样由 Service 串行化访问，自身不加锁。
type CreditGate struct {
	balance      int
	synced       bool // 是否已经从后端同步过一次权威余额
	nextID       uint64
	reservations map[uint64]reservationState
}

// NewCreditGate creates a gate with an initial mirror balance.
func NewCreditGate(initialBalance int) *CreditGate {
	if initialBalance < 0 {
		initialBalance = 0
	}
	return &CreditGate{
		balance:      initialBalance,
		reservations: make(map[uint64]reservationState),
	}
}

// Balance returns the current local mirror. Never negative.
func (g *CreditGate) Balance() int {
	return g.balance
}

// CanSendUrgent reports whether an urgent send may proceed right now.
func (g *CreditGate) CanSendUrgent() bool {
	return g.balance > 0
}

// IsLastCredit reports whether the next urgent send would spend the final
// credit. The UI surfaces a one-time warning off this signal.
func (g *CreditGate) IsLastCredit() bool {
	return g.balance == 1
}

// Reserve optimistically decrements the mirror by one and returns a handle.
// Fails with ErrCreditExhausted when the balance is already zero, before any
// network I/O happens.
func (g *CreditGate) Reserve() (Reservation, error) {
	if g.balance <= 0 {
		return Reservation{}, ErrCreditExhausted
	}
	g.balance--
	g.nextID++
	g.reservations[g.nextID] = reservationActive
	return Reservation{id: g.nextID}, nil
}

// Commit finalizes a reservation after the backend confirmed the decrement.
// Idempotent.
func (g *CreditGate) Commit(r Reservation) {
	if state, ok := g.reservations[r.id]; !ok || state != reservationActive {
		return
	}
	g.reservations[r.id] = reservationCommitted
}

// Rollback restores exactly the reserved unit after a backend rejection or
// send failure. Idempotent: a duplicate rollback of the same handle does not
// restore a second unit.
func (g *CreditGate) Rollback(r Reservation) {
	if state, ok := g.reservations[r.id]; !ok || state != reservationActive {
		return
	}
	g.reservations[r.id] = reservationRolledBack
	g.balance++
}

// outstanding counts reservations still awaiting a backend outcome.
func (g *CreditGate) outstanding() int {
	n := 0
	for _, state := range g.reservations {
		if state == reservationActive {
			n++
		}
	}
	return n
}

// Resync corrects the mirror against the authoritative backend balance,
// covering drift from purchases through billing or spends on another device.
// Outstanding local reservations are subtracted so a resync cannot resurrect
// a credit that an in-flight send is about to consume; the floor stays at zero.
func (g *CreditGate) Resync(serverBalance int) {
	mirror := serverBalance - g.outstanding()
	if mirror < 0 {
		mirror = 0
	}
	g.balance = mirror
	g.synced = true
}

// Synced reports whether the mirror reflects at least one authoritative read.
func (g *CreditGate) Synced() bool {
	return g.synced
}
