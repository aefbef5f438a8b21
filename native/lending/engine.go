package lending

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"senja/core/events"
	"senja/crypto"
	"senja/native/bank"
	nativecommon "senja/native/common"
	"senja/native/oracle"
	"senja/native/settlement"
	"senja/storage"
)

const moduleName = "lending"

// Engine orchestrates the state transitions of every lending pool. Mutations
// are serialised and each one runs against a write journal that is committed
// in a single batch, so an operation either lands completely or not at all.
// Reads observe committed state only.
type Engine struct {
	db     storage.Database
	prices oracle.Reader

	mu       sync.Mutex
	commitMu sync.RWMutex

	paramsMu sync.RWMutex
	pools    map[PoolID]PoolParams

	pauses       nativecommon.PauseView
	emitter      events.Emitter
	feeCollector crypto.Address
	tokenHook    bank.Hook
	verifier     *settlement.Verifier
	intentTTL    uint64
	clock        func() time.Time
	logger       *slog.Logger
}

// NewEngine constructs a lending engine persisting to db and pricing
// positions with prices.
func NewEngine(db storage.Database, prices oracle.Reader) *Engine {
	return &Engine{
		db:           db,
		prices:       prices,
		pools:        make(map[PoolID]PoolParams),
		emitter:      events.NoopEmitter{},
		feeCollector: defaultFeeCollector(),
		intentTTL:    3600,
		clock:        time.Now,
		logger:       slog.Default(),
	}
}

func defaultFeeCollector() crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	copy(raw, []byte("senja/fee-collector"))
	return crypto.NewAddress(crypto.SenjaPrefix, raw)
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter routes committed events to emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock overrides the time source used for accrual and deadlines.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// SetFeeCollector configures the account credited with protocol fee shares.
func (e *Engine) SetFeeCollector(addr crypto.Address) {
	if e == nil || len(addr.Bytes()) == 0 {
		return
	}
	e.feeCollector = addr
}

// FeeCollector returns the account credited with protocol fee shares.
func (e *Engine) FeeCollector() crypto.Address { return e.feeCollector }

// SetTokenHook installs an observer notified of every token movement. Hooks
// run on the calling goroutine once the operation has committed and the
// mutation lock is released, in movement order. A hook may call back into the
// engine; the nested call is an ordinary operation against committed state.
// Hook errors are logged and never undo the committed operation.
func (e *Engine) SetTokenHook(h bank.Hook) {
	if e == nil {
		return
	}
	e.tokenHook = h
}

// SetSettlement enables cross-chain borrowing and inbound settlement.
// ttl bounds how long an outbound intent may stay pending.
func (e *Engine) SetSettlement(verifier *settlement.Verifier, ttl time.Duration) {
	if e == nil {
		return
	}
	e.verifier = verifier
	if ttl > 0 {
		e.intentTTL = uint64(ttl / time.Second)
	}
}

func (e *Engine) SetLogger(l *slog.Logger) {
	if e == nil || l == nil {
		return
	}
	e.logger = l
}

// RegisterPool makes a pool available. Pools already present in storage keep
// their accounting state; new pools start empty with accrual anchored at now.
func (e *Engine) RegisterPool(params PoolParams) error {
	if e == nil || e.db == nil {
		return errNilState
	}
	if params.ID == "" {
		params.ID = MakePoolID(params.CollateralToken, params.BorrowToken, ltvBps(params.LTV))
	}
	params.CollateralToken = normalizeToken(params.CollateralToken)
	params.BorrowToken = normalizeToken(params.BorrowToken)
	if err := params.Validate(); err != nil {
		return err
	}
	e.paramsMu.Lock()
	if _, exists := e.pools[params.ID]; exists {
		e.paramsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrPoolExists, params.ID)
	}
	e.pools[params.ID] = params.Clone()
	e.paramsMu.Unlock()

	err := e.mutate("", func(t *tx) error {
		ok, err := t.state.hasPool(params.ID)
		if err != nil || ok {
			return err
		}
		return t.state.putPool(params.ID, newPool(t.now))
	})
	if err != nil {
		e.paramsMu.Lock()
		delete(e.pools, params.ID)
		e.paramsMu.Unlock()
	}
	return err
}

func ltvBps(ltv *big.Int) uint64 {
	if ltv == nil {
		return 0
	}
	return new(big.Int).Quo(ltv, bpsToWad).Uint64()
}

// Params returns the configuration of a registered pool.
func (e *Engine) Params(id PoolID) (PoolParams, error) {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	params, ok := e.pools[id]
	if !ok {
		return PoolParams{}, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return params.Clone(), nil
}

// Pools lists registered pool identifiers in lexical order.
func (e *Engine) Pools() []PoolID {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	ids := make([]PoolID, 0, len(e.pools))
	for id := range e.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) now() uint64 {
	ts := e.clock().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// tx is the per-operation view: every read and write goes through the
// journal, events and outbound intents are released only after commit.
type tx struct {
	e       *Engine
	journal *storage.Journal
	state   ledgerState
	bank    *bank.Ledger
	intents *settlement.Store
	now     uint64
	events  []events.Event
	moves   []movement
}

// movement is a token transfer staged by a tx, delivered to the token hook
// after commit.
type movement struct {
	token    string
	from, to *crypto.Address
	amount   *big.Int
}

func (e *Engine) begin() *tx {
	journal := storage.NewJournal(e.db)
	t := &tx{
		e:       e,
		journal: journal,
		state:   ledgerState{kv: journal},
		intents: settlement.NewStore(journal),
		now:     e.now(),
	}
	t.bank = bank.NewLedger(journal).WithHook(t.record)
	return t
}

func (t *tx) record(token string, from, to *crypto.Address, amount *big.Int) error {
	t.moves = append(t.moves, movement{token: token, from: cloneAddr(from), to: cloneAddr(to), amount: amount})
	return nil
}

func cloneAddr(addr *crypto.Address) *crypto.Address {
	if addr == nil {
		return nil
	}
	out := *addr
	return &out
}

func (t *tx) emit(evt events.Event) {
	t.events = append(t.events, evt)
}

// mutate runs fn inside a journal and commits it atomically. action selects
// the pause switch consulted first; an empty action is never paused. Token
// movements reach the hook only after the lock is released.
func (e *Engine) mutate(action string, fn func(t *tx) error) error {
	if e == nil || e.db == nil {
		return errNilState
	}
	if action != "" {
		if err := nativecommon.Guard(e.pauses, moduleName+"."+action); err != nil {
			return fmt.Errorf("lending engine: %s: %w", action, err)
		}
	}
	moves, err := e.apply(fn)
	if err != nil {
		return err
	}
	e.deliver(moves)
	return nil
}

func (e *Engine) apply(fn func(t *tx) error) ([]movement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin()
	if err := fn(t); err != nil {
		t.journal.Discard()
		return nil, err
	}
	e.commitMu.Lock()
	err := t.journal.Commit()
	e.commitMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("lending engine: commit: %w", err)
	}
	for _, evt := range t.events {
		e.emitter.Emit(evt)
	}
	return t.moves, nil
}

func (e *Engine) deliver(moves []movement) {
	hook := e.tokenHook
	if hook == nil {
		return
	}
	for _, m := range moves {
		if err := hook(m.token, m.from, m.to, m.amount); err != nil {
			e.logger.Warn("token hook failed",
				slog.String("token", m.token),
				slog.String("amount", m.amount.String()),
				slog.Any("error", err))
		}
	}
}

// view runs fn against committed state under the read lock.
func (e *Engine) view(fn func(s ledgerState, b *bank.Ledger, intents *settlement.Store) error) error {
	if e == nil || e.db == nil {
		return errNilState
	}
	e.commitMu.RLock()
	defer e.commitMu.RUnlock()
	return fn(ledgerState{kv: e.db}, bank.NewLedger(e.db), settlement.NewStore(e.db))
}

// accrued loads a pool, folds in interest up to the transaction time and
// stages the result. Zero elapsed time leaves the pool untouched.
func (t *tx) accrued(id PoolID) (PoolParams, *Pool, error) {
	params, err := t.e.Params(id)
	if err != nil {
		return PoolParams{}, nil, err
	}
	pool, err := t.state.pool(id)
	if err != nil {
		return PoolParams{}, nil, err
	}
	step := accrueInterest(params, pool, t.now)
	if step == nil {
		return params, pool, nil
	}
	if step.FeeShares.Sign() > 0 {
		collector := t.e.feeCollector
		shares, err := t.state.supplyShares(id, collector)
		if err != nil {
			return PoolParams{}, nil, err
		}
		if err := t.state.putSupplyShares(id, collector, shares.Add(shares, step.FeeShares)); err != nil {
			return PoolParams{}, nil, err
		}
	}
	if err := t.state.putPool(id, pool); err != nil {
		return PoolParams{}, nil, err
	}
	t.emit(events.LendingInterestAccrued{
		Pool:        string(id),
		Interest:    step.Interest,
		FeeShares:   step.FeeShares,
		RatePerSec:  step.Rate,
		Elapsed:     step.Elapsed,
		BorrowTotal: cloneInt(pool.TotalBorrowAssets),
		SupplyTotal: cloneInt(pool.TotalSupplyAssets),
	})
	return params, pool, nil
}

// Accrue folds elapsed interest into the pool totals.
func (e *Engine) Accrue(id PoolID) error {
	return e.mutate("", func(t *tx) error {
		_, _, err := t.accrued(id)
		return err
	})
}

// Mint issues tokens to an account. It backs bridged credits and operator
// funding of test networks.
func (e *Engine) Mint(token string, to crypto.Address, amount *big.Int) error {
	return e.mutate("", func(t *tx) error {
		return t.bank.Mint(token, to, amount)
	})
}

// Balance returns the committed token balance of holder.
func (e *Engine) Balance(token string, holder crypto.Address) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(_ ledgerState, b *bank.Ledger, _ *settlement.Store) error {
		bal, err := b.Balance(token, holder)
		out = bal
		return err
	})
	return out, err
}

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
