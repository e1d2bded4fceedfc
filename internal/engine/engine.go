package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"heartbeat_bot/internal/config"
	"heartbeat_bot/internal/logbus"
	"heartbeat_bot/internal/model"
	"heartbeat_bot/internal/notify"
	"heartbeat_bot/internal/provider"
	"heartbeat_bot/internal/session"
)

const bootstrapCycleID = "bootstrap"

type AccountStore interface {
	Load(ctx context.Context) ([]model.Account, error)
	Persist(ctx context.Context, accounts []model.Account) error
}

type Recorder interface {
	RecordReport(ctx context.Context, r model.Report) (model.Report, error)
	PruneReports(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	Accounts AccountStore
	Sessions *session.Manager
	Provider provider.Provider
	Recorder Recorder
	Notifier notify.Notifier
	Bus      *logbus.Bus
	Interval time.Duration
	Limits   config.LimitsConfig
	// Retention is how long recorded reports are kept. 0 keeps them forever.
	Retention time.Duration
}

// Engine owns the in-memory account list and drives the polling cycle:
// auth check, heartbeat, earnings for every account in order, then persist.
type Engine struct {
	store     AccountStore
	sessions  *session.Manager
	provider  provider.Provider
	recorder  Recorder
	notifier  notify.Notifier
	bus       *logbus.Bus
	interval  time.Duration
	retention time.Duration
	limiter   *rate.Limiter

	// cycleMu serializes cycles; a tick that arrives mid-cycle is dropped
	// by the ticker instead of starting a second pass.
	cycleMu sync.Mutex

	mu          sync.Mutex
	accounts    []model.Account
	loaded      bool
	failing     map[string]bool
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	cycles      int64
	lastCycleID string
	lastCycleAt time.Time
}

func New(opts Options) *Engine {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	var limiter *rate.Limiter
	if opts.Limits.AccountQPS > 0 {
		burst := opts.Limits.AccountBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Limits.AccountQPS), burst)
	}

	return &Engine{
		store:     opts.Accounts,
		sessions:  opts.Sessions,
		provider:  opts.Provider,
		recorder:  opts.Recorder,
		notifier:  opts.Notifier,
		bus:       opts.Bus,
		interval:  interval,
		retention: opts.Retention,
		limiter:   limiter,
		failing:   make(map[string]bool),
	}
}

// Load replaces the in-memory account list with the stored one.
func (e *Engine) Load(ctx context.Context) error {
	accounts, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	e.mu.Lock()
	e.accounts = accounts
	e.loaded = true
	e.mu.Unlock()
	e.log("info", "accounts loaded", map[string]any{"count": len(accounts)})
	return nil
}

// Bootstrap logs every account in regardless of any session it may already
// hold, then persists the list once.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	for i := 0; i < e.count(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		acc, ok := e.account(i)
		if !ok {
			break
		}
		err := e.sessions.Login(ctx, &acc)
		e.setAccount(i, acc)
		e.trackAuth(ctx, bootstrapCycleID, acc, err)
	}
	return e.persist(ctx)
}

// RunCycle performs one sequential pass over all accounts. Auth failures and
// reporting failures are logged and never stop the pass.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cycleID := uuid.NewString()
	started := time.Now()
	e.log("debug", "cycle started", map[string]any{"cycleId": cycleID, "accounts": e.count()})

	var cycleErr error
	for i := 0; i < e.count(); i++ {
		if err := e.pace(ctx); err != nil {
			cycleErr = err
			break
		}
		acc, ok := e.account(i)
		if !ok {
			break
		}
		e.processAccount(ctx, cycleID, i, acc)
	}

	e.mu.Lock()
	e.cycles++
	e.lastCycleID = cycleID
	e.lastCycleAt = started
	e.mu.Unlock()

	if err := e.persist(ctx); err != nil && cycleErr == nil {
		cycleErr = err
	}
	e.prune(ctx)
	e.log("debug", "cycle finished", map[string]any{
		"cycleId": cycleID,
		"elapsed": time.Since(started).Round(time.Millisecond).String(),
	})
	return cycleErr
}

func (e *Engine) processAccount(ctx context.Context, cycleID string, index int, acc model.Account) {
	authErr := e.sessions.Ensure(ctx, &acc)
	e.setAccount(index, acc)
	e.trackAuth(ctx, cycleID, acc, authErr)

	// Reporting runs even after a failed auth step, with whatever token the
	// account still holds.
	var heartbeat *int
	status, err := e.provider.Heartbeat(ctx, acc)
	if err != nil {
		e.log("warn", "heartbeat failed", map[string]any{"email": acc.Email, "error": err.Error()})
	} else {
		heartbeat = &status
	}

	earnings, err := e.provider.Earnings(ctx, acc)
	if err != nil {
		e.log("warn", "earnings lookup failed", map[string]any{"email": acc.Email, "error": err.Error()})
		earnings = nil
	}

	e.log("info", "account report", map[string]any{
		"account":   index + 1,
		"email":     acc.Email,
		"heartbeat": formatStatus(heartbeat),
		"earnings":  formatPayload(earnings),
	})

	e.record(ctx, model.Report{
		CycleID:         cycleID,
		Email:           acc.Email,
		InstallID:       acc.InstallID,
		Authenticated:   !acc.NeedsAuth(e.sessions.Now()),
		HeartbeatStatus: heartbeat,
		Earnings:        earnings,
	})
}

// Start runs a cycle immediately and then once per interval until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	if !e.loaded {
		e.mu.Unlock()
		return errors.New("no accounts loaded")
	}
	e.running = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	done := make(chan struct{})
	e.done = done
	e.mu.Unlock()

	e.log("info", "scheduler started", map[string]any{
		"provider": e.provider.Name(),
		"interval": e.interval.String(),
	})

	go func() {
		defer close(done)
		e.loop(runCtx)
	}()
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	_ = e.RunCycle(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.RunCycle(ctx)
		}
	}
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	wasRunning := e.running
	e.cancel = nil
	e.done = nil
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasRunning {
		return nil
	}

	select {
	case <-done:
		e.log("info", "scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Accounts returns a copy of the in-memory list.
func (e *Engine) Accounts() []model.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Account, len(e.accounts))
	copy(out, e.accounts)
	return out
}

func (e *Engine) State() model.EngineState {
	now := e.sessions.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineState{
		Running:     e.running,
		Cycles:      e.cycles,
		LastCycleID: e.lastCycleID,
		LastCycleAt: e.lastCycleAt,
		Accounts:    make([]model.AccountStatus, 0, len(e.accounts)),
	}
	for _, acc := range e.accounts {
		out.Accounts = append(out.Accounts, acc.Status(now))
	}
	return out
}

func (e *Engine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.accounts)
}

func (e *Engine) account(i int) (model.Account, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.accounts) {
		return model.Account{}, false
	}
	return e.accounts[i], true
}

func (e *Engine) setAccount(i int, acc model.Account) {
	e.mu.Lock()
	if i >= 0 && i < len(e.accounts) {
		e.accounts[i] = acc
	}
	e.mu.Unlock()
}

func (e *Engine) pace(ctx context.Context) error {
	if e.limiter == nil {
		return ctx.Err()
	}
	return e.limiter.Wait(ctx)
}

// persist writes the account list even when ctx is already cancelled, so a
// shutdown mid-cycle keeps what the finished accounts resolved.
func (e *Engine) persist(ctx context.Context) error {
	if err := e.store.Persist(context.WithoutCancel(ctx), e.Accounts()); err != nil {
		e.log("error", "persist accounts failed", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func (e *Engine) trackAuth(ctx context.Context, cycleID string, acc model.Account, authErr error) {
	e.mu.Lock()
	wasFailing := e.failing[acc.Email]
	if authErr != nil {
		e.failing[acc.Email] = true
	} else {
		delete(e.failing, acc.Email)
	}
	e.mu.Unlock()

	switch {
	case authErr != nil && !wasFailing:
		if e.notifier != nil {
			e.notifier.NotifyAuthFailed(ctx, notify.AuthFailedEvent{
				At:        time.Now().UnixMilli(),
				CycleID:   cycleID,
				Email:     acc.Email,
				InstallID: acc.InstallID,
				Reason:    authErr.Error(),
			})
		}
	case authErr == nil && wasFailing:
		e.log("info", "session recovered", map[string]any{"email": acc.Email})
	}
}

func (e *Engine) record(ctx context.Context, r model.Report) {
	if e.recorder == nil {
		return
	}
	if _, err := e.recorder.RecordReport(context.WithoutCancel(ctx), r); err != nil {
		e.log("warn", "record report failed", map[string]any{"email": r.Email, "error": err.Error()})
	}
}

func (e *Engine) prune(ctx context.Context) {
	if e.recorder == nil || e.retention <= 0 {
		return
	}
	n, err := e.recorder.PruneReports(context.WithoutCancel(ctx), time.Now().Add(-e.retention))
	if err != nil {
		e.log("warn", "prune reports failed", map[string]any{"error": err.Error()})
		return
	}
	if n > 0 {
		e.log("debug", "reports pruned", map[string]any{"count": n})
	}
}

func (e *Engine) log(level, msg string, fields map[string]any) {
	if e.bus != nil {
		e.bus.Log(level, msg, fields)
	}
}

func formatStatus(status *int) string {
	if status == nil {
		return "null"
	}
	return strconv.Itoa(*status)
}

func formatPayload(payload []byte) string {
	if len(payload) == 0 {
		return "null"
	}
	return string(payload)
}
