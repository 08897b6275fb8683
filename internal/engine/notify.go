package engine

import (
	"context"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// IntentKind identifies a deferred notification intent.
type IntentKind string

const (
	IntentHandStarted   IntentKind = "hand_started"
	IntentBoardUpdated  IntentKind = "board_updated"
	IntentTurnPrompt    IntentKind = "turn_prompt"
	IntentHandFinished  IntentKind = "hand_finished"
	IntentHandCancelled IntentKind = "hand_cancelled"
	IntentHandReady     IntentKind = "hand_ready"
)

// Intent is a notification the transport renders and delivers with its
// own retry and rate limiting. Intents are collected as plain data
// while the stage lock is held and handed over only after release.
type Intent struct {
	Kind         IntentKind
	ChatID       int64
	HandID       string
	Stage        gamecore.Stage
	Board        []gamecore.Card
	TurnUserID   int64
	DeadlineUnix int64
	Payouts      map[int64]int64
	Refunds      map[int64]int64
	HandLabels   map[int64]string
	Reason       string
}

// Notifier is the outbound transport boundary.
type Notifier interface {
	Deliver(ctx context.Context, intents []Intent)
}

// StatsRecorder is the outbound statistics boundary; the engine never
// blocks on its completion.
type StatsRecorder interface {
	HandStarted(ctx context.Context, chatID int64, handID string, participants []int64)
	HandFinished(ctx context.Context, chatID int64, handID string, pot int64, payouts map[int64]int64, handLabels map[int64]string)
}

type nopNotifier struct{}

func (nopNotifier) Deliver(ctx context.Context, intents []Intent) {}

type nopStats struct{}

func (nopStats) HandStarted(ctx context.Context, chatID int64, handID string, participants []int64) {}

func (nopStats) HandFinished(ctx context.Context, chatID int64, handID string, pot int64, payouts map[int64]int64, handLabels map[int64]string) {
}

// effects accumulates side effects while the stage lock is held; they
// run only after release so lock hold time stays independent of slow
// I/O.
type effects struct {
	intents []Intent
	actions []func(context.Context)
}

func (deferred *effects) addIntent(intent Intent) {
	deferred.intents = append(deferred.intents, intent)
}

func (deferred *effects) addAction(action func(context.Context)) {
	deferred.actions = append(deferred.actions, action)
}
