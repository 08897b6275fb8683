package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/internal/table"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

type recoveryFixture struct {
	store   *kvstore.MemoryStore
	tables  *table.Manager
	locks   *lockmgr.Manager
	service *Service
}

func newRecoveryFixture(test *testing.T) *recoveryFixture {
	test.Helper()
	store := kvstore.NewMemoryStore()
	logger := zap.NewNop()
	tables, err := table.NewManager(store, logger)
	if err != nil {
		test.Fatalf("table manager: %v", err)
	}
	locks, err := lockmgr.New(lockmgr.NewMemoryBackend(), logger)
	if err != nil {
		test.Fatalf("lock manager: %v", err)
	}
	service, err := NewService(tables, locks, logger)
	if err != nil {
		test.Fatalf("recovery service: %v", err)
	}
	return &recoveryFixture{store: store, tables: tables, locks: locks, service: service}
}

func (fix *recoveryFixture) saveSession(test *testing.T, session *gamecore.Session) {
	test.Helper()
	if _, err := fix.tables.Save(context.Background(), session, kvstore.NoVersion); err != nil {
		test.Fatalf("seed session %d: %v", session.ChatID, err)
	}
}

// seedCorrupt plants undecodable bytes at a session key.
func (fix *recoveryFixture) seedCorrupt(test *testing.T, chatID int64) {
	test.Helper()
	_, err := fix.store.CompareAndSwap(context.Background(), table.SessionKey(chatID), kvstore.NoVersion, []byte("{not json"))
	if err != nil {
		test.Fatalf("seed corrupt bytes: %v", err)
	}
}

func mustSession(test *testing.T, chatID int64) *gamecore.Session {
	test.Helper()
	session, err := gamecore.NewSession(chatID)
	if err != nil {
		test.Fatalf("new session: %v", err)
	}
	return session
}

func mustPlayer(test *testing.T, userID int64, seat int, chips int64) *gamecore.Player {
	test.Helper()
	player, err := gamecore.NewPlayer(userID, "player", seat, chips)
	if err != nil {
		test.Fatalf("new player: %v", err)
	}
	return player
}

// activeSession builds a card-conserving pre-flop session with two
// seated players and a consistent pot.
func activeSession(test *testing.T, chatID int64) *gamecore.Session {
	test.Helper()
	session := mustSession(test, chatID)
	deck := gamecore.NewDeck()

	first := mustPlayer(test, 1, 0, 995)
	first.HoleCards = deck[:2]
	first.CurrentBet = 5
	first.TotalBet = 5
	second := mustPlayer(test, 2, 1, 990)
	second.HoleCards = deck[2:4]
	second.CurrentBet = 10
	second.TotalBet = 10

	session.Players = []*gamecore.Player{first, second}
	session.Deck = deck[4:]
	session.Stage = gamecore.StagePreFlop
	session.HandID = "hand-1"
	session.DealerSeat = 0
	session.SmallBlindSeat = 0
	session.BigBlindSeat = 1
	session.TurnSeat = 0
	session.Pot = 15
	session.MaxRoundBet = 10
	session.TurnDeadlineUnix = time.Now().Add(-time.Minute).Unix()
	return session
}

func TestRecoveryKeepsHealthySessionAndDropsDeadline(test *testing.T) {
	test.Parallel()
	fix := newRecoveryFixture(test)
	fix.saveSession(test, activeSession(test, 11))

	stats, err := fix.service.RunStartupRecovery(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if stats.Scanned != 1 || stats.Healthy != 1 {
		test.Fatalf("expected one healthy session, got %+v", stats)
	}

	session, _, err := fix.tables.Load(context.Background(), 11)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if session.Stage != gamecore.StagePreFlop {
		test.Fatalf("healthy session should keep its stage, got %s", session.Stage)
	}
	if session.TurnDeadlineUnix != 0 {
		test.Fatalf("stale turn deadline survived: %d", session.TurnDeadlineUnix)
	}
	if session.Pot != 15 {
		test.Fatalf("healthy session mutated: pot %d", session.Pot)
	}
}

func TestRecoveryDeletesCorruptSnapshot(test *testing.T) {
	test.Parallel()
	fix := newRecoveryFixture(test)
	fix.seedCorrupt(test, 12)

	stats, err := fix.service.RunStartupRecovery(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if stats.Deleted != 1 {
		test.Fatalf("expected one deletion, got %+v", stats)
	}
	_, _, err = fix.tables.Load(context.Background(), 12)
	if !errors.Is(err, gamecore.ErrKeyNotFound) {
		test.Fatalf("expected deleted snapshot, got %v", err)
	}
}

func TestRecoveryDeletesInvalidStage(test *testing.T) {
	test.Parallel()
	fix := newRecoveryFixture(test)
	session := mustSession(test, 13)
	session.Stage = gamecore.Stage("intermission")
	fix.saveSession(test, session)

	stats, err := fix.service.RunStartupRecovery(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if stats.Deleted != 1 {
		test.Fatalf("expected one deletion, got %+v", stats)
	}
	if _, _, err := fix.tables.Load(context.Background(), 13); !errors.Is(err, gamecore.ErrKeyNotFound) {
		test.Fatalf("expected deleted snapshot, got %v", err)
	}
}

func TestRecoveryResetsInconsistentPot(test *testing.T) {
	test.Parallel()
	fix := newRecoveryFixture(test)
	session := activeSession(test, 14)
	session.Pot = 999
	fix.saveSession(test, session)

	stats, err := fix.service.RunStartupRecovery(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if stats.Repaired != 1 {
		test.Fatalf("expected one repair, got %+v", stats)
	}

	repaired, _, err := fix.tables.Load(context.Background(), 14)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if repaired.Stage != gamecore.StageWaiting || repaired.Pot != 0 {
		test.Fatalf("expected waiting reset, got stage=%s pot=%d", repaired.Stage, repaired.Pot)
	}
	// Seats and stacks survive the reset.
	if len(repaired.Players) != 2 {
		test.Fatalf("reset dropped players: %d", len(repaired.Players))
	}
	for _, player := range repaired.Players {
		if len(player.HoleCards) != 0 {
			test.Fatalf("reset kept hole cards for user %d", player.UserID)
		}
	}
}

func TestRecoveryResetsDuplicateSeats(test *testing.T) {
	test.Parallel()
	fix := newRecoveryFixture(test)
	session := activeSession(test, 15)
	session.Players[1].Seat = session.Players[0].Seat
	fix.saveSession(test, session)

	stats, err := fix.service.RunStartupRecovery(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if stats.Repaired != 1 {
		test.Fatalf("expected one repair, got %+v", stats)
	}
}

func TestRecoverySweepIsolatesFailures(test *testing.T) {
	test.Parallel()
	fix := newRecoveryFixture(test)
	fix.seedCorrupt(test, 20)
	fix.saveSession(test, activeSession(test, 21))
	waiting := mustSession(test, 22)
	fix.saveSession(test, waiting)

	stats, err := fix.service.RunStartupRecovery(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if stats.Scanned != 3 {
		test.Fatalf("expected three scanned, got %+v", stats)
	}
	if stats.Deleted != 1 || stats.Healthy != 2 {
		test.Fatalf("unexpected sweep outcome: %+v", stats)
	}
}

func TestRecoveryClearsLeftoverLocks(test *testing.T) {
	test.Parallel()
	fix := newRecoveryFixture(test)
	owner := fix.locks.NewOwner("leftover")
	if _, err := owner.Acquire(context.Background(), "stage:30", lockmgr.LevelStage, time.Second); err != nil {
		test.Fatalf("acquire: %v", err)
	}

	stats, err := fix.service.RunStartupRecovery(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if stats.LocksCleared != 1 {
		test.Fatalf("expected one cleared lock, got %+v", stats)
	}
}
