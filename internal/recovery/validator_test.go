package recovery

import (
	"testing"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

func hasIssue(result ValidationResult, wanted Issue) bool {
	for _, issue := range result.Issues {
		if issue == wanted {
			return true
		}
	}
	return false
}

func TestValidateAcceptsFreshSession(test *testing.T) {
	test.Parallel()
	session := mustSession(test, 1)
	if result := Validate(session); !result.Healthy() {
		test.Fatalf("fresh session flagged: %v", result.Issues)
	}
}

func TestValidateAcceptsConsistentActiveSession(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	if result := Validate(session); !result.Healthy() {
		test.Fatalf("consistent session flagged: %v", result.Issues)
	}
}

func TestValidateInvalidStageShortCircuits(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	session.Stage = gamecore.Stage("intermission")
	session.Pot = 999

	result := Validate(session)
	if len(result.Issues) != 1 || result.Issues[0] != IssueInvalidStage {
		test.Fatalf("expected only invalid stage, got %v", result.Issues)
	}
	if result.Recoverable() {
		test.Fatal("invalid stage must not be recoverable")
	}
}

func TestValidateFlagsPotMismatch(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	session.Pot = 40

	result := Validate(session)
	if !hasIssue(result, IssueInconsistentPot) {
		test.Fatalf("pot mismatch not flagged: %v", result.Issues)
	}
	if !result.Recoverable() {
		test.Fatal("pot mismatch must be recoverable")
	}
}

func TestValidateFlagsMissingDealer(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	session.DealerSeat = 5

	result := Validate(session)
	if !hasIssue(result, IssueMissingDealer) {
		test.Fatalf("vacant dealer seat not flagged: %v", result.Issues)
	}
}

func TestValidateFlagsDuplicateCard(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	session.Players[0].HoleCards[0] = session.Players[1].HoleCards[0]

	result := Validate(session)
	if !hasIssue(result, IssueInvalidDeck) {
		test.Fatalf("duplicate card not flagged: %v", result.Issues)
	}
}

func TestValidateFlagsBoardSizeMismatch(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	session.Stage = gamecore.StageFlop
	session.CommunityCards = session.Deck[:3]
	session.Deck = session.Deck[3:]
	if result := Validate(session); !result.Healthy() {
		test.Fatalf("consistent flop flagged: %v", result.Issues)
	}

	// Move one board card back to the deck: card conservation still
	// holds, but the board no longer matches the stage.
	session.Deck = append(session.Deck, session.CommunityCards[2])
	session.CommunityCards = session.CommunityCards[:2]

	result := Validate(session)
	if !hasIssue(result, IssueInvalidDeck) {
		test.Fatalf("undersized board not flagged: %v", result.Issues)
	}
	if !result.Recoverable() {
		test.Fatal("board size mismatch must be recoverable")
	}
}

func TestValidateFlagsMissingCards(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	session.Deck = session.Deck[:len(session.Deck)-1]

	result := Validate(session)
	if !hasIssue(result, IssueInvalidDeck) {
		test.Fatalf("short deck not flagged: %v", result.Issues)
	}
}

func TestValidateFlagsHoleCardsWhileWaiting(test *testing.T) {
	test.Parallel()
	session := mustSession(test, 1)
	player := mustPlayer(test, 1, 0, 1000)
	player.HoleCards = gamecore.NewDeck()[:2]
	session.Players = []*gamecore.Player{player}

	result := Validate(session)
	if !hasIssue(result, IssueOrphanedPlayers) {
		test.Fatalf("dealt cards at a waiting table not flagged: %v", result.Issues)
	}
}

func TestValidateFlagsSeatOutOfRange(test *testing.T) {
	test.Parallel()
	session := activeSession(test, 1)
	session.Players[0].Seat = gamecore.MaxSeats

	result := Validate(session)
	if !hasIssue(result, IssueOrphanedPlayers) {
		test.Fatalf("out-of-range seat not flagged: %v", result.Issues)
	}
}
