package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Action is a betting-round move.
type Action string

const (
	ActionCheck Action = "check"
	ActionCall  Action = "call"
	ActionBet   Action = "bet"
	ActionRaise Action = "raise"
	ActionFold  Action = "fold"
	ActionAllIn Action = "all_in"
)

// Valid reports whether the action is one the engine knows.
func (action Action) Valid() bool {
	switch action {
	case ActionCheck, ActionCall, ActionBet, ActionRaise, ActionFold, ActionAllIn:
		return true
	}
	return false
}

// ActionResult tells the caller what the table looks like after the
// move.
type ActionResult struct {
	Action        Action
	Posted        int64
	Pot           int64
	Stage         gamecore.Stage
	RoundResolved bool
	TurnUserID    int64
}

// Join seats a player at the table. A player joining a running hand
// sits out until the next deal. Joining twice is a no-op.
func (engine *Engine) Join(ctx context.Context, chatID int64, userID int64, name string) error {
	return engine.withStageLock(ctx, chatID, "join", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		if _, seated := session.FindPlayer(userID); seated {
			return nil, nil
		}
		if len(session.Players) >= gamecore.MaxSeats {
			return nil, fmt.Errorf("%w: %d seats taken", gamecore.ErrTableFull, len(session.Players))
		}

		balance, err := engine.wallets.Balance(ctx, chatID, userID)
		if err != nil {
			return nil, err
		}
		if balance == 0 && engine.config.BuyIn > 0 {
			if err := engine.wallets.Credit(ctx, chatID, userID, engine.config.BuyIn); err != nil {
				return nil, err
			}
			balance = engine.config.BuyIn
		}

		player, err := gamecore.NewPlayer(userID, name, engine.freeSeat(session), balance)
		if err != nil {
			return nil, err
		}
		if session.Stage.Active() {
			player.State = gamecore.PlayerSittingOut
		}
		session.Players = append(session.Players, player)

		if _, err := engine.tables.Save(ctx, session, version); err != nil {
			return nil, err
		}
		engine.logger.Info("player joined",
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID),
			zap.Int("seat", player.Seat),
		)
		return nil, nil
	})
}

func (engine *Engine) freeSeat(session *gamecore.Session) int {
	for seat := 0; seat < gamecore.MaxSeats; seat++ {
		if _, occupied := session.PlayerBySeat(seat); !occupied {
			return seat
		}
	}
	return gamecore.NoSeat
}

// Leave removes a player. Leaving mid-hand folds them first; chips
// already committed stay in the pot.
func (engine *Engine) Leave(ctx context.Context, chatID int64, userID int64) error {
	return engine.withStageLock(ctx, chatID, "leave", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		player, seated := session.FindPlayer(userID)
		if !seated {
			return nil, nil
		}
		wasTheirTurn := session.Stage.Active() && session.TurnSeat == player.Seat
		player.State = gamecore.PlayerFolded

		remaining := make([]*gamecore.Player, 0, len(session.Players)-1)
		for _, other := range session.Players {
			if other != nil && other.UserID != userID {
				remaining = append(remaining, other)
			}
		}
		session.Players = remaining

		deferred := &effects{}
		if wasTheirTurn {
			session.TurnSeat = nextSeat(session, player.Seat, func(other *gamecore.Player) bool { return other.CanAct() })
			session.TurnDeadlineUnix = engine.turnDeadline()
			if session.TurnSeat != gamecore.NoSeat {
				deferred.addIntent(engine.turnPromptIntent(session))
			}
		}
		if _, err := engine.tables.Save(ctx, session, version); err != nil {
			return nil, err
		}
		engine.logger.Info("player left",
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID),
		)
		return deferred, nil
	})
}

// SetReady flips a player's ready flag between hands and returns how
// many players are ready afterwards.
func (engine *Engine) SetReady(ctx context.Context, chatID int64, userID int64, ready bool) (int, error) {
	var readyCount int
	err := engine.withStageLock(ctx, chatID, "set_ready", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		if session.Stage != gamecore.StageWaiting {
			return nil, fmt.Errorf("%w: session %d is %s", gamecore.ErrAlreadyInProgress, chatID, session.Stage)
		}
		player, seated := session.FindPlayer(userID)
		if !seated {
			return nil, fmt.Errorf("%w: user %d", gamecore.ErrPlayerNotSeated, userID)
		}
		player.Ready = ready
		if ready && player.State == gamecore.PlayerSittingOut {
			player.State = gamecore.PlayerActive
		}
		readyCount = len(session.ReadyPlayers())
		if _, err := engine.tables.Save(ctx, session, version); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return readyCount, err
}

// HandleAction applies one betting move. Chip-committing actions follow
// the two-phase pattern: the wallet debit is reserved before the stage
// lock is taken, committed inside it once the move validates, and
// rolled back if validation fails. A snapshot save conflict after
// commit is compensated with a refund.
func (engine *Engine) HandleAction(ctx context.Context, chatID int64, userID int64, action Action, amount int64) (ActionResult, error) {
	var result ActionResult
	if !action.Valid() {
		return result, fmt.Errorf("%w: action %q", gamecore.ErrValidationFailed, action)
	}

	// Lock-free pre-read to size the reservation. The authoritative
	// re-validation happens under the stage lock.
	preview, _, err := engine.tables.Load(ctx, chatID)
	if err != nil {
		return result, err
	}
	required, err := engine.requiredChips(ctx, preview, userID, action, amount)
	if err != nil {
		return result, err
	}
	previewHandID := preview.HandID

	var reservationID string
	if required > 0 {
		record, err := engine.ledger.Reserve(ctx, chatID, userID, required)
		if err != nil {
			return result, err
		}
		reservationID = record.ReservationID
	}
	rollback := func(reason string) {
		if reservationID == "" {
			return
		}
		if err := engine.ledger.Rollback(ctx, reservationID, reason); err != nil {
			engine.logger.Error("action rollback failed",
				zap.String("reservation_id", reservationID),
				zap.Error(err),
			)
		}
	}

	err = engine.withStageLock(ctx, chatID, "handle_action", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		if !session.Stage.Active() || session.HandID != previewHandID {
			rollback("hand_changed")
			return nil, fmt.Errorf("%w: hand changed before action applied", gamecore.ErrVersionConflict)
		}
		player, seated := session.FindPlayer(userID)
		if !seated {
			rollback("player_not_seated")
			return nil, fmt.Errorf("%w: user %d", gamecore.ErrPlayerNotSeated, userID)
		}
		if session.TurnSeat != player.Seat || !player.CanAct() {
			rollback("not_players_turn")
			return nil, fmt.Errorf("%w: user %d at seat %d, turn seat %d", gamecore.ErrNotPlayersTurn, userID, player.Seat, session.TurnSeat)
		}
		requiredNow, err := engine.requiredChips(ctx, session, userID, action, amount)
		if err != nil {
			rollback("validation_failed")
			return nil, err
		}
		if requiredNow != required {
			rollback("stakes_changed")
			return nil, fmt.Errorf("%w: required %d changed to %d", gamecore.ErrVersionConflict, required, requiredNow)
		}

		applyErr := engine.applyAction(session, player, action, amount, required)
		if applyErr != nil {
			rollback("validation_failed")
			return nil, applyErr
		}

		if reservationID != "" {
			if err := engine.ledger.Commit(ctx, reservationID); err != nil {
				rollback("commit_failed")
				return nil, err
			}
		}

		deferred := &effects{}
		resolved := roundResolved(session)
		if !resolved {
			session.TurnSeat = nextSeat(session, player.Seat, func(other *gamecore.Player) bool { return other.CanAct() })
			session.TurnDeadlineUnix = engine.turnDeadline()
			deferred.addIntent(engine.turnPromptIntent(session))
		}

		if _, err := engine.tables.Save(ctx, session, version); err != nil {
			if reservationID != "" {
				if compErr := engine.ledger.Compensate(ctx, reservationID, "snapshot_conflict"); compErr != nil {
					engine.logger.Error("action compensation failed",
						zap.String("reservation_id", reservationID),
						zap.Error(compErr),
					)
				}
			}
			return nil, err
		}

		result = ActionResult{
			Action:        action,
			Posted:        required,
			Pot:           session.Pot,
			Stage:         session.Stage,
			RoundResolved: resolved,
		}
		if turnPlayer, occupied := session.PlayerBySeat(session.TurnSeat); occupied && !resolved {
			result.TurnUserID = turnPlayer.UserID
		}
		return deferred, nil
	})
	return result, err
}

// requiredChips computes what the wallet must cover for the move.
func (engine *Engine) requiredChips(ctx context.Context, session *gamecore.Session, userID int64, action Action, amount int64) (int64, error) {
	player, seated := session.FindPlayer(userID)
	if !seated {
		return 0, fmt.Errorf("%w: user %d", gamecore.ErrPlayerNotSeated, userID)
	}
	switch action {
	case ActionFold, ActionCheck:
		return 0, nil
	case ActionCall:
		owed := session.MaxRoundBet - player.CurrentBet
		if owed <= 0 {
			return 0, nil
		}
		balance, err := engine.wallets.Balance(ctx, session.ChatID, userID)
		if err != nil {
			return 0, err
		}
		return min(owed, balance), nil
	case ActionBet, ActionRaise:
		if amount <= 0 {
			return 0, fmt.Errorf("%w: %s of %d", gamecore.ErrInvalidAmount, action, amount)
		}
		minTotal := session.MaxRoundBet + engine.config.BigBlind
		if session.MaxRoundBet == 0 {
			minTotal = engine.config.BigBlind
		}
		if amount < minTotal {
			return 0, fmt.Errorf("%w: %s to %d below minimum %d", gamecore.ErrInvalidAmount, action, amount, minTotal)
		}
		required := amount - player.CurrentBet
		if required <= 0 {
			return 0, fmt.Errorf("%w: %s to %d already covered", gamecore.ErrInvalidAmount, action, amount)
		}
		return required, nil
	case ActionAllIn:
		return engine.wallets.Balance(ctx, session.ChatID, userID)
	}
	return 0, fmt.Errorf("%w: action %q", gamecore.ErrValidationFailed, action)
}

// applyAction mutates the session for an already reserved move. It must
// stay consistent with requiredChips.
func (engine *Engine) applyAction(session *gamecore.Session, player *gamecore.Player, action Action, amount int64, posted int64) error {
	switch action {
	case ActionFold:
		player.State = gamecore.PlayerFolded
	case ActionCheck:
		if player.CurrentBet != session.MaxRoundBet {
			return fmt.Errorf("%w: cannot check facing a bet of %d", gamecore.ErrValidationFailed, session.MaxRoundBet)
		}
	case ActionCall:
		player.CurrentBet += posted
		player.TotalBet += posted
		player.Chips -= posted
		session.Pot += posted
		if player.CurrentBet < session.MaxRoundBet {
			// Short call: the stack is exhausted.
			player.State = gamecore.PlayerAllIn
		}
	case ActionBet, ActionRaise:
		player.CurrentBet += posted
		player.TotalBet += posted
		player.Chips -= posted
		session.Pot += posted
		session.MaxRoundBet = player.CurrentBet
		reopenBetting(session, player)
	case ActionAllIn:
		if posted <= 0 {
			return fmt.Errorf("%w: all-in with empty stack", gamecore.ErrInvalidAmount)
		}
		player.CurrentBet += posted
		player.TotalBet += posted
		player.Chips = 0
		session.Pot += posted
		if player.CurrentBet > session.MaxRoundBet {
			session.MaxRoundBet = player.CurrentBet
			reopenBetting(session, player)
		}
		player.State = gamecore.PlayerAllIn
	}
	player.HasActed = true
	return nil
}

// reopenBetting clears acted flags after a raise so everyone else gets
// another decision.
func reopenBetting(session *gamecore.Session, raiser *gamecore.Player) {
	for _, other := range session.Players {
		if other == nil || other.UserID == raiser.UserID {
			continue
		}
		if other.CanAct() {
			other.HasActed = false
		}
	}
}
