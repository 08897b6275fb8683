// Package engine is the session state machine. It advances one session
// at a time through betting stages under the stage lock, keeps the
// critical section free of slow I/O via deferred effects, and routes
// every chip movement through the reservation coordinator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/dlq"
	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/internal/reservation"
	"github.com/tavernhall/tablecore/internal/table"
	"github.com/tavernhall/tablecore/internal/wallet"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Config tunes the engine.
type Config struct {
	SmallBlind                int64
	BigBlind                  int64
	MinPlayers                int
	BuyIn                     int64
	TurnTimeout               time.Duration
	Retry                     lockmgr.RetryPolicy
	SubLockTimeout            time.Duration
	FineGrainedRolloutPercent int
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		SmallBlind:     5,
		BigBlind:       10,
		MinPlayers:     2,
		BuyIn:          1000,
		TurnTimeout:    30 * time.Second,
		Retry:          lockmgr.DefaultRetryPolicy(),
		SubLockTimeout: 2 * time.Second,
	}
}

// Engine orchestrates stage transitions for sessions.
type Engine struct {
	tables      *table.Manager
	locks       *lockmgr.Manager
	ledger      *reservation.Coordinator
	wallets     wallet.Repository
	deadLetters dlq.Queue
	notifier    Notifier
	stats       StatsRecorder
	logger      *zap.Logger
	config      Config
	nowFn       func() time.Time
	rng         *rand.Rand
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier wires the outbound transport boundary.
func WithNotifier(notifier Notifier) Option {
	return func(engine *Engine) {
		if notifier != nil {
			engine.notifier = notifier
		}
	}
}

// WithStats wires the outbound statistics boundary.
func WithStats(stats StatsRecorder) Option {
	return func(engine *Engine) {
		if stats != nil {
			engine.stats = stats
		}
	}
}

// WithConfig overrides the engine configuration.
func WithConfig(config Config) Option {
	return func(engine *Engine) {
		if config.BigBlind > 0 {
			engine.config = config
		}
	}
}

// WithRand pins the shuffle source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(engine *Engine) {
		engine.rng = rng
	}
}

// New wires an Engine.
func New(tables *table.Manager, locks *lockmgr.Manager, ledger *reservation.Coordinator, wallets wallet.Repository, deadLetters dlq.Queue, logger *zap.Logger, now func() time.Time, options ...Option) (*Engine, error) {
	if tables == nil {
		return nil, fmt.Errorf("%w: table manager dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if locks == nil {
		return nil, fmt.Errorf("%w: lock manager dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: reservation coordinator dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if wallets == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("%w: dead letter queue dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		tables:      tables,
		locks:       locks,
		ledger:      ledger,
		wallets:     wallets,
		deadLetters: deadLetters,
		notifier:    nopNotifier{},
		stats:       nopStats{},
		logger:      logger.Named("engine"),
		config:      DefaultConfig(),
		nowFn:       now,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

func stageLockKey(chatID int64) string {
	return fmt.Sprintf("stage:%d", chatID)
}

func deckLockKey(chatID int64) string {
	return fmt.Sprintf("deck:%d", chatID)
}

func potLockKey(chatID int64) string {
	return fmt.Sprintf("pot:%d", chatID)
}

// fineGrained reports whether this session is in the sub-resource lock
// rollout cohort. The hash keeps a session's cohort stable across
// restarts.
func (engine *Engine) fineGrained(chatID int64) bool {
	percent := engine.config.FineGrainedRolloutPercent
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	hasher := fnv.New32a()
	fmt.Fprintf(hasher, "%d", chatID)
	return int(hasher.Sum32()%100) < percent
}

// lockedFn runs while the stage lock is held. The returned effects are
// executed after release.
type lockedFn func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error)

// withStageLock serializes fn against every other stage transition and
// finalize for the session, then runs the deferred effects outside the
// lock.
func (engine *Engine) withStageLock(ctx context.Context, chatID int64, label string, fn lockedFn) error {
	owner := engine.locks.NewOwner(label)
	defer owner.Close()

	handle, err := owner.AcquireWithRetry(ctx, stageLockKey(chatID), lockmgr.LevelStage, engine.config.Retry)
	if err != nil {
		return err
	}

	session, version, loadErr := engine.tables.LoadOrCreate(ctx, chatID)
	var deferred *effects
	if loadErr == nil {
		deferred, loadErr = fn(ctx, owner, session, version)
	}

	if releaseErr := handle.Release(ctx); releaseErr != nil {
		engine.logger.Warn("stage lock release failed",
			zap.Int64("chat_id", chatID),
			zap.Error(releaseErr),
		)
	}

	if loadErr != nil {
		return loadErr
	}
	engine.runEffects(ctx, deferred)
	return nil
}

func (engine *Engine) runEffects(ctx context.Context, deferred *effects) {
	if deferred == nil {
		return
	}
	if len(deferred.intents) > 0 {
		engine.notifier.Deliver(ctx, deferred.intents)
	}
	for _, action := range deferred.actions {
		action(ctx)
	}
}

// withSubLock takes a fine-grained sub-resource lock when the session
// is in the rollout cohort, otherwise runs fn directly under the
// already-held coarse lock.
func (engine *Engine) withSubLock(ctx context.Context, owner *lockmgr.Owner, chatID int64, key string, level lockmgr.Level, fn func() error) error {
	if !engine.fineGrained(chatID) {
		return fn()
	}
	handle, err := owner.Acquire(ctx, key, level, engine.config.SubLockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = handle.Release(ctx) }()
	return fn()
}

func (engine *Engine) turnDeadline() int64 {
	return engine.nowFn().Add(engine.config.TurnTimeout).Unix()
}

func (engine *Engine) shuffledDeck() []gamecore.Card {
	deck := gamecore.NewDeck()
	gamecore.ShuffleDeck(deck, engine.rng)
	return deck
}

// draw removes count cards from the top of the deck.
func draw(session *gamecore.Session, count int) ([]gamecore.Card, error) {
	if len(session.Deck) < count {
		return nil, fmt.Errorf("%w: %d cards remain, %d requested", gamecore.ErrDeckExhausted, len(session.Deck), count)
	}
	drawn := session.Deck[:count]
	session.Deck = session.Deck[count:]
	return drawn, nil
}

// nextSeat returns the first seat after fromSeat (wrapping) whose
// player satisfies keep.
func nextSeat(session *gamecore.Session, fromSeat int, keep func(*gamecore.Player) bool) int {
	for offset := 1; offset <= gamecore.MaxSeats; offset++ {
		seat := (fromSeat + offset) % gamecore.MaxSeats
		if player, occupied := session.PlayerBySeat(seat); occupied && keep(player) {
			return seat
		}
	}
	return gamecore.NoSeat
}

// roundResolved reports whether every player who can still act has
// acted and matched the highest bet.
func roundResolved(session *gamecore.Session) bool {
	for _, player := range session.Players {
		if player == nil || !player.CanAct() {
			continue
		}
		if !player.HasActed || player.CurrentBet != session.MaxRoundBet {
			return false
		}
	}
	return true
}

// Snapshot returns the current session state without locking. Reads for
// display never contend with mutations.
func (engine *Engine) Snapshot(ctx context.Context, chatID int64) (*gamecore.Session, error) {
	session, _, err := engine.tables.Load(ctx, chatID)
	if err != nil && errors.Is(err, gamecore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: chat %d", gamecore.ErrKeyNotFound, chatID)
	}
	return session, err
}
