package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/dlq"
	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// OutcomeKind distinguishes a stage advance from a finalize.
type OutcomeKind string

const (
	OutcomeContinued OutcomeKind = "continued"
	OutcomeFinalized OutcomeKind = "finalized"
)

// FinalizeReason records why a hand ended.
type FinalizeReason string

const (
	ReasonShowdown           FinalizeReason = "showdown"
	ReasonLastPlayerStanding FinalizeReason = "last_player_standing"
	ReasonStopRequested      FinalizeReason = "stop_requested"
	ReasonDealingError       FinalizeReason = "dealing_error"
	ReasonCancelled          FinalizeReason = "cancelled"
	ReasonEmergencyReset     FinalizeReason = "emergency_reset"
)

// voids reports whether the hand ends without a winner: committed bets
// are refunded instead of awarded.
func (reason FinalizeReason) voids() bool {
	switch reason {
	case ReasonDealingError, ReasonCancelled, ReasonStopRequested, ReasonEmergencyReset:
		return true
	}
	return false
}

// StageOutcome is the result of a progress call.
type StageOutcome struct {
	Kind   OutcomeKind
	Stage  gamecore.Stage
	Reason FinalizeReason
}

// StartHand deals a new hand for a waiting session with enough ready
// players: rotates dealer and blind seats, posts forced bets through
// the reservation coordinator, deals hole cards, and moves to pre-flop.
func (engine *Engine) StartHand(ctx context.Context, chatID int64) error {
	return engine.withStageLock(ctx, chatID, "start_hand", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		if session.Stage != gamecore.StageWaiting {
			return nil, fmt.Errorf("%w: session %d is %s", gamecore.ErrAlreadyInProgress, chatID, session.Stage)
		}
		ready := session.ReadyPlayers()
		if len(ready) < engine.config.MinPlayers {
			return nil, fmt.Errorf("%w: %d ready, need %d", gamecore.ErrQuorumNotMet, len(ready), engine.config.MinPlayers)
		}

		readySeats := make(map[int]bool, len(ready))
		for _, player := range ready {
			player.ResetForHand()
			readySeats[player.Seat] = true
		}
		for _, player := range session.Players {
			if player != nil && !readySeats[player.Seat] {
				player.ResetForHand()
				player.State = gamecore.PlayerSittingOut
			}
		}

		inHand := func(player *gamecore.Player) bool { return player.InHand() }
		session.DealerSeat = nextSeat(session, session.DealerSeat, inHand)
		if len(ready) == 2 {
			// Heads-up: the dealer posts the small blind.
			session.SmallBlindSeat = session.DealerSeat
		} else {
			session.SmallBlindSeat = nextSeat(session, session.DealerSeat, inHand)
		}
		session.BigBlindSeat = nextSeat(session, session.SmallBlindSeat, inHand)

		session.HandID = uuid.NewString()
		session.Stage = gamecore.StagePreFlop
		session.Pot = 0
		session.CommunityCards = nil
		session.MaxRoundBet = 0

		var reservationIDs []string
		postBlind := func(seat int, amount int64) error {
			player, occupied := session.PlayerBySeat(seat)
			if !occupied {
				return fmt.Errorf("%w: blind seat %d empty", gamecore.ErrPlayerNotSeated, seat)
			}
			reservationID, posted, err := engine.postForcedBet(ctx, session, player, amount)
			if err != nil {
				return err
			}
			if reservationID != "" {
				reservationIDs = append(reservationIDs, reservationID)
			}
			if posted > session.MaxRoundBet {
				session.MaxRoundBet = posted
			}
			return nil
		}
		if err := postBlind(session.SmallBlindSeat, engine.config.SmallBlind); err != nil {
			engine.abandonReservations(ctx, reservationIDs, "blind_post_failed")
			return nil, err
		}
		if err := postBlind(session.BigBlindSeat, engine.config.BigBlind); err != nil {
			engine.abandonReservations(ctx, reservationIDs, "blind_post_failed")
			return nil, err
		}

		dealErr := engine.withSubLock(ctx, owner, chatID, deckLockKey(chatID), lockmgr.LevelDeck, func() error {
			session.Deck = engine.shuffledDeck()
			for _, player := range ready {
				holeCards, err := draw(session, gamecore.HoleCardCount)
				if err != nil {
					return err
				}
				player.HoleCards = append([]gamecore.Card(nil), holeCards...)
			}
			return nil
		})
		if dealErr != nil {
			engine.abandonReservations(ctx, reservationIDs, "deal_failed")
			return nil, dealErr
		}

		session.TurnSeat = nextSeat(session, session.BigBlindSeat, func(player *gamecore.Player) bool { return player.CanAct() })
		session.TurnDeadlineUnix = engine.turnDeadline()

		for _, reservationID := range reservationIDs {
			if err := engine.ledger.Commit(ctx, reservationID); err != nil {
				engine.abandonReservations(ctx, reservationIDs, "blind_commit_failed")
				return nil, err
			}
		}
		if _, err := engine.tables.Save(ctx, session, version); err != nil {
			engine.abandonReservations(ctx, reservationIDs, "start_hand_save_failed")
			return nil, err
		}

		participants := make([]int64, 0, len(ready))
		for _, player := range ready {
			participants = append(participants, player.UserID)
		}
		handID := session.HandID
		deferred := &effects{}
		deferred.addIntent(Intent{
			Kind:   IntentHandStarted,
			ChatID: chatID,
			HandID: handID,
			Stage:  session.Stage,
		})
		deferred.addIntent(engine.turnPromptIntent(session))
		deferred.addAction(func(ctx context.Context) {
			engine.stats.HandStarted(ctx, chatID, handID, participants)
		})
		engine.logger.Info("hand started",
			zap.Int64("chat_id", chatID),
			zap.String("hand_id", handID),
			zap.Int("players", len(ready)),
			zap.Int64("pot", session.Pot),
		)
		return deferred, nil
	})
}

// postForcedBet reserves and applies a blind. A short stack posts what
// it can and goes all-in.
func (engine *Engine) postForcedBet(ctx context.Context, session *gamecore.Session, player *gamecore.Player, amount int64) (string, int64, error) {
	balance, err := engine.wallets.Balance(ctx, session.ChatID, player.UserID)
	if err != nil {
		return "", 0, err
	}
	posted := min(amount, balance)
	if posted == 0 {
		player.State = gamecore.PlayerSittingOut
		return "", 0, nil
	}
	record, err := engine.ledger.Reserve(ctx, session.ChatID, player.UserID, posted)
	if err != nil {
		return "", 0, err
	}
	player.CurrentBet = posted
	player.TotalBet = posted
	player.Chips = balance - posted
	if posted < amount {
		player.State = gamecore.PlayerAllIn
	}
	session.Pot += posted
	return record.ReservationID, posted, nil
}

func (engine *Engine) abandonReservations(ctx context.Context, reservationIDs []string, reason string) {
	for _, reservationID := range reservationIDs {
		if err := engine.ledger.Compensate(ctx, reservationID, reason); err != nil {
			engine.logger.Error("reservation abandon failed",
				zap.String("reservation_id", reservationID),
				zap.String("reason", reason),
				zap.Error(err),
			)
		}
	}
}

// ProgressStage advances the session to its next stage once the
// current betting round has resolved. With fewer than two contenders it
// short-circuits straight to finalize without dealing further cards.
// An unresolved round is reported, never silently mutated.
func (engine *Engine) ProgressStage(ctx context.Context, chatID int64) (StageOutcome, error) {
	var outcome StageOutcome
	err := engine.withStageLock(ctx, chatID, "progress_stage", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		if !session.Stage.Active() {
			return nil, fmt.Errorf("%w: session %d is %s", gamecore.ErrRoundNotResolved, chatID, session.Stage)
		}

		if len(session.Contenders()) < 2 {
			deferred, err := engine.finalizeLocked(ctx, owner, session, version, ReasonLastPlayerStanding)
			if err != nil {
				return nil, err
			}
			outcome = StageOutcome{Kind: OutcomeFinalized, Stage: session.Stage, Reason: ReasonLastPlayerStanding}
			return deferred, nil
		}

		if !roundResolved(session) {
			return nil, fmt.Errorf("%w: session %d at %s", gamecore.ErrRoundNotResolved, chatID, session.Stage)
		}

		if session.Stage == gamecore.StageRiver {
			deferred, err := engine.finalizeLocked(ctx, owner, session, version, ReasonShowdown)
			if err != nil {
				return nil, err
			}
			outcome = StageOutcome{Kind: OutcomeFinalized, Stage: session.Stage, Reason: ReasonShowdown}
			return deferred, nil
		}

		nextStage, _ := session.Stage.Next()
		dealCount := nextStage.BoardSize() - session.Stage.BoardSize()
		dealErr := engine.withSubLock(ctx, owner, chatID, deckLockKey(chatID), lockmgr.LevelDeck, func() error {
			dealt, err := draw(session, dealCount)
			if err != nil {
				return err
			}
			session.CommunityCards = append(session.CommunityCards, dealt...)
			return nil
		})
		if dealErr != nil {
			if !errors.Is(dealErr, gamecore.ErrDeckExhausted) {
				return nil, dealErr
			}
			// A fair winner cannot be determined once dealing breaks;
			// void the hand and refund every committed bet.
			engine.logger.Error("dealing fault, voiding hand",
				zap.Int64("chat_id", chatID),
				zap.String("hand_id", session.HandID),
				zap.Error(dealErr),
			)
			deferred, err := engine.finalizeLocked(ctx, owner, session, version, ReasonDealingError)
			if err != nil {
				return nil, err
			}
			outcome = StageOutcome{Kind: OutcomeFinalized, Stage: session.Stage, Reason: ReasonDealingError}
			return deferred, nil
		}

		session.Stage = nextStage
		session.MaxRoundBet = 0
		for _, player := range session.Players {
			if player == nil {
				continue
			}
			player.CurrentBet = 0
			player.HasActed = false
		}
		session.TurnSeat = nextSeat(session, session.DealerSeat, func(player *gamecore.Player) bool { return player.CanAct() })
		session.TurnDeadlineUnix = engine.turnDeadline()

		if _, err := engine.tables.Save(ctx, session, version); err != nil {
			return nil, err
		}

		outcome = StageOutcome{Kind: OutcomeContinued, Stage: session.Stage}
		deferred := &effects{}
		deferred.addIntent(Intent{
			Kind:   IntentBoardUpdated,
			ChatID: chatID,
			HandID: session.HandID,
			Stage:  session.Stage,
			Board:  append([]gamecore.Card(nil), session.CommunityCards...),
		})
		deferred.addIntent(engine.turnPromptIntent(session))
		return deferred, nil
	})
	return outcome, err
}

// FinalizeHand ends the hand now for the given reason, paying out or
// refunding, then resetting the session to waiting.
func (engine *Engine) FinalizeHand(ctx context.Context, chatID int64, reason FinalizeReason) error {
	return engine.withStageLock(ctx, chatID, "finalize_hand", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		if !session.Stage.Active() {
			return nil, fmt.Errorf("%w: session %d is %s", gamecore.ErrRoundNotResolved, chatID, session.Stage)
		}
		return engine.finalizeLocked(ctx, owner, session, version, reason)
	})
}

// CancelHand is the stop-vote and administrative cancellation path:
// committed bets are refunded and the session resets.
func (engine *Engine) CancelHand(ctx context.Context, chatID int64, reason FinalizeReason) error {
	if !reason.voids() {
		reason = ReasonCancelled
	}
	return engine.FinalizeHand(ctx, chatID, reason)
}

// EmergencyReset force-clears the session's locks, then cancels any
// in-flight hand under a freshly acquired stage lock. For wedged
// sessions only.
func (engine *Engine) EmergencyReset(ctx context.Context, chatID int64) error {
	cleared, err := engine.locks.ClearSessionLocks(ctx, chatID)
	if err != nil {
		return err
	}
	engine.logger.Warn("emergency reset",
		zap.Int64("chat_id", chatID),
		zap.Int("locks_cleared", cleared),
	)
	err = engine.CancelHand(ctx, chatID, ReasonEmergencyReset)
	if errors.Is(err, gamecore.ErrRoundNotResolved) {
		// Nothing in flight; the lock sweep was the whole job.
		return nil
	}
	return err
}

// finalizeLocked runs the critical section of finalize: winner
// computation, payout mutation, and the state reset. All external side
// effects are deferred; an error in them never un-finalizes the hand.
func (engine *Engine) finalizeLocked(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version, reason FinalizeReason) (*effects, error) {
	chatID := session.ChatID
	handID := session.HandID
	potTotal := session.Pot

	var payouts map[int64]int64
	var refunds map[int64]int64
	var handLabels map[int64]string
	var err error

	if reason.voids() {
		refunds = engine.refundCommitted(session)
	} else {
		payouts, handLabels, err = engine.settlePots(ctx, owner, session)
		if err != nil {
			if !errors.Is(err, gamecore.ErrDeckExhausted) && !errors.Is(err, gamecore.ErrInvalidCard) {
				return nil, err
			}
			// Void fallback: a winner cannot be computed fairly.
			reason = ReasonDealingError
			refunds = engine.refundCommitted(session)
		}
	}

	creditErr := engine.withSubLock(ctx, owner, chatID, potLockKey(chatID), lockmgr.LevelPot, func() error {
		grants := payouts
		if reason.voids() {
			grants = refunds
		}
		for userID, amount := range grants {
			if amount <= 0 {
				continue
			}
			if err := engine.wallets.Credit(ctx, chatID, userID, amount); err != nil {
				engine.logger.Error("settlement credit failed",
					zap.Int64("chat_id", chatID),
					zap.Int64("user_id", userID),
					zap.Int64("amount", amount),
					zap.Error(err),
				)
				// The chips must not vanish; park the credit for manual
				// reconciliation alongside failed reservation refunds.
				if pushErr := engine.deadLetters.Push(ctx, dlq.Entry{
					ChatID:    chatID,
					UserID:    userID,
					Amount:    amount,
					Reason:    "settlement_credit_failed: " + err.Error(),
					CreatedAt: engine.nowFn(),
				}); pushErr != nil {
					engine.logger.Error("dead letter push failed",
						zap.Int64("chat_id", chatID),
						zap.Int64("user_id", userID),
						zap.Error(pushErr),
					)
				}
			}
			if player, seated := session.FindPlayer(userID); seated {
				player.Chips += amount
			}
		}
		return nil
	})
	if creditErr != nil {
		return nil, creditErr
	}

	session.ResetToWaiting()
	if _, err := engine.tables.Save(ctx, session, version); err != nil {
		return nil, err
	}

	deferred := &effects{}
	deferred.addIntent(Intent{
		Kind:       IntentHandFinished,
		ChatID:     chatID,
		HandID:     handID,
		Payouts:    payouts,
		Refunds:    refunds,
		HandLabels: handLabels,
		Reason:     string(reason),
	})
	deferred.addIntent(Intent{Kind: IntentHandReady, ChatID: chatID})
	if !reason.voids() {
		deferred.addAction(func(ctx context.Context) {
			engine.stats.HandFinished(ctx, chatID, handID, potTotal, payouts, handLabels)
		})
	}
	engine.logger.Info("hand finalized",
		zap.Int64("chat_id", chatID),
		zap.String("hand_id", handID),
		zap.String("reason", string(reason)),
		zap.Int64("pot", potTotal),
	)
	return deferred, nil
}

// refundCommitted returns every player's committed total for a voided
// hand.
func (engine *Engine) refundCommitted(session *gamecore.Session) map[int64]int64 {
	refunds := make(map[int64]int64)
	for _, player := range session.Players {
		if player != nil && player.TotalBet > 0 {
			refunds[player.UserID] = player.TotalBet
		}
	}
	return refunds
}

// settlePots runs out the board if needed, carves side pots, and
// distributes each layer to its winners.
func (engine *Engine) settlePots(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session) (map[int64]int64, map[int64]string, error) {
	contenders := session.Contenders()
	if len(contenders) == 0 {
		return nil, nil, fmt.Errorf("%w: no contenders at finalize", gamecore.ErrDeckExhausted)
	}

	// Multi-way showdowns need the full board (all-in run-outs).
	if len(contenders) > 1 && len(session.CommunityCards) < 5 {
		missing := 5 - len(session.CommunityCards)
		err := engine.withSubLock(ctx, owner, session.ChatID, deckLockKey(session.ChatID), lockmgr.LevelDeck, func() error {
			dealt, err := draw(session, missing)
			if err != nil {
				return err
			}
			session.CommunityCards = append(session.CommunityCards, dealt...)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	payouts := make(map[int64]int64)
	for _, layer := range carvePotLayers(session) {
		winners, err := showdownWinners(layer.eligible, session.CommunityCards)
		if err != nil {
			return nil, nil, err
		}
		for userID, amount := range splitLayer(layer.amount, winners) {
			payouts[userID] += amount
		}
	}

	handLabels := make(map[int64]string, len(contenders))
	if len(contenders) > 1 {
		for _, contender := range contenders {
			if len(contender.HoleCards) == gamecore.HoleCardCount && len(session.CommunityCards) == 5 {
				handLabels[contender.UserID] = labelHand(contender.HoleCards, session.CommunityCards)
			}
		}
	}
	return payouts, handLabels, nil
}

func (engine *Engine) turnPromptIntent(session *gamecore.Session) Intent {
	intent := Intent{
		Kind:         IntentTurnPrompt,
		ChatID:       session.ChatID,
		HandID:       session.HandID,
		Stage:        session.Stage,
		DeadlineUnix: session.TurnDeadlineUnix,
	}
	if player, occupied := session.PlayerBySeat(session.TurnSeat); occupied {
		intent.TurnUserID = player.UserID
	}
	return intent
}
