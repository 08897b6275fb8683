package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// TickResult reports what a timer tick did to the session.
type TickResult struct {
	Expired       bool
	FoldedUserID  int64
	RoundResolved bool
}

// Tick enforces the turn clock. The transport calls it periodically;
// once the acting player's deadline passes they are folded and the turn
// moves on. A tick against an idle session or an unexpired clock does
// nothing.
func (engine *Engine) Tick(ctx context.Context, chatID int64) (TickResult, error) {
	var result TickResult
	err := engine.withStageLock(ctx, chatID, "tick", func(ctx context.Context, owner *lockmgr.Owner, session *gamecore.Session, version kvstore.Version) (*effects, error) {
		if !session.Stage.Active() || session.TurnDeadlineUnix == 0 {
			return nil, nil
		}
		if engine.nowFn().Unix() < session.TurnDeadlineUnix {
			return nil, nil
		}

		player, occupied := session.PlayerBySeat(session.TurnSeat)
		if !occupied || !player.CanAct() {
			// Stale clock with nobody to act; drop it so the tick loop
			// stops refiring.
			session.TurnDeadlineUnix = 0
			_, err := engine.tables.Save(ctx, session, version)
			return nil, err
		}

		player.State = gamecore.PlayerFolded
		player.HasActed = true
		result.Expired = true
		result.FoldedUserID = player.UserID

		deferred := &effects{}
		resolved := roundResolved(session)
		result.RoundResolved = resolved
		if resolved {
			session.TurnDeadlineUnix = 0
		} else {
			session.TurnSeat = nextSeat(session, player.Seat, func(other *gamecore.Player) bool { return other.CanAct() })
			session.TurnDeadlineUnix = engine.turnDeadline()
			deferred.addIntent(engine.turnPromptIntent(session))
		}

		if _, err := engine.tables.Save(ctx, session, version); err != nil {
			return nil, err
		}
		engine.logger.Info("turn clock expired, player folded",
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", player.UserID),
			zap.Bool("round_resolved", resolved),
		)
		return deferred, nil
	})
	return result, err
}
