package recovery

import (
	"fmt"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Issue names one class of snapshot damage.
type Issue string

const (
	IssueCorruptedSnapshot Issue = "corrupted_snapshot"
	IssueInvalidStage      Issue = "invalid_stage"
	IssueOrphanedPlayers   Issue = "orphaned_players"
	IssueInconsistentPot   Issue = "inconsistent_pot"
	IssueMissingDealer     Issue = "missing_dealer"
	IssueInvalidDeck       Issue = "invalid_deck"
)

// recoverable reports whether a session with this issue can be repaired
// by resetting it to waiting. Unrecoverable damage means the snapshot
// itself cannot be trusted and must be deleted.
func (issue Issue) recoverable() bool {
	switch issue {
	case IssueCorruptedSnapshot, IssueInvalidStage:
		return false
	}
	return true
}

// ValidationResult lists everything wrong with one snapshot.
type ValidationResult struct {
	ChatID int64
	Issues []Issue
}

// Healthy reports whether the snapshot passed every check.
func (result ValidationResult) Healthy() bool {
	return len(result.Issues) == 0
}

// Recoverable reports whether every found issue can be repaired by a
// reset. A single unrecoverable issue condemns the snapshot.
func (result ValidationResult) Recoverable() bool {
	for _, issue := range result.Issues {
		if !issue.recoverable() {
			return false
		}
	}
	return true
}

func (result ValidationResult) String() string {
	return fmt.Sprintf("session %d: %v", result.ChatID, result.Issues)
}

// Validate runs every structural check against a decoded snapshot.
// Checks are ordered cheapest first; all of them run so the report is
// complete.
func Validate(session *gamecore.Session) ValidationResult {
	result := ValidationResult{ChatID: session.ChatID}
	report := func(issue Issue) {
		result.Issues = append(result.Issues, issue)
	}

	if !session.Stage.Valid() {
		report(IssueInvalidStage)
		// Downstream checks key off the stage; nothing else is
		// meaningful for an unknown one.
		return result
	}

	if hasOrphanedPlayers(session) {
		report(IssueOrphanedPlayers)
	}

	if session.Stage.Active() {
		if session.Pot != session.CommittedTotal() {
			report(IssueInconsistentPot)
		}
		if _, occupied := session.PlayerBySeat(session.DealerSeat); !occupied {
			report(IssueMissingDealer)
		}
		if len(session.CommunityCards) != session.Stage.BoardSize() || !deckAccountsForAllCards(session) {
			report(IssueInvalidDeck)
		}
	}
	return result
}

// hasOrphanedPlayers detects seat bookkeeping damage: out-of-range or
// duplicate seats, or players marked in-hand while the table waits.
func hasOrphanedPlayers(session *gamecore.Session) bool {
	seats := make(map[int]bool, len(session.Players))
	for _, player := range session.Players {
		if player == nil {
			return true
		}
		if player.Seat < 0 || player.Seat >= gamecore.MaxSeats {
			return true
		}
		if seats[player.Seat] {
			return true
		}
		seats[player.Seat] = true
		if session.Stage == gamecore.StageWaiting && len(player.HoleCards) > 0 {
			return true
		}
	}
	return false
}

// deckAccountsForAllCards checks card conservation: the remaining deck,
// the board, and every dealt hole card must together make a full deck
// with no duplicates. The board size itself is checked against the
// stage by the caller.
func deckAccountsForAllCards(session *gamecore.Session) bool {
	seen := make(map[gamecore.Card]bool, gamecore.DeckSize)
	count := 0
	track := func(cards []gamecore.Card) bool {
		for _, card := range cards {
			if card.Rank < 1 || card.Rank > 13 || card.Suit > gamecore.SuitSpades {
				return false
			}
			if seen[card] {
				return false
			}
			seen[card] = true
			count++
		}
		return true
	}

	if !track(session.Deck) || !track(session.CommunityCards) {
		return false
	}
	for _, player := range session.Players {
		if player == nil {
			continue
		}
		if len(player.HoleCards) != 0 && len(player.HoleCards) != gamecore.HoleCardCount {
			return false
		}
		if !track(player.HoleCards) {
			return false
		}
	}
	return count == gamecore.DeckSize
}
