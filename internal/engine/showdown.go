package engine

import (
	"fmt"

	"github.com/paulhankin/poker"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Hand category labels emitted with results and statistics. Ranking at
// showdown uses the evaluator's score; labels are presentation only.
const (
	labelHighCard      = "high_card"
	labelPair          = "pair"
	labelTwoPair       = "two_pair"
	labelThreeOfAKind  = "three_of_a_kind"
	labelStraight      = "straight"
	labelFlush         = "flush"
	labelFullHouse     = "full_house"
	labelFourOfAKind   = "four_of_a_kind"
	labelStraightFlush = "straight_flush"
	labelRoyalFlush    = "royal_flush"
)

func evalSuit(suit gamecore.Suit) poker.Suit {
	switch suit {
	case gamecore.SuitClubs:
		return poker.Club
	case gamecore.SuitDiamonds:
		return poker.Diamond
	case gamecore.SuitHearts:
		return poker.Heart
	default:
		return poker.Spade
	}
}

// scoreHand evaluates the best 5-card hand from a player's hole cards
// plus the board.
func scoreHand(holeCards []gamecore.Card, board []gamecore.Card) (int16, error) {
	if len(holeCards) != gamecore.HoleCardCount || len(board) != 5 {
		return 0, fmt.Errorf("%w: need %d hole cards and 5 board cards", gamecore.ErrInvalidCard, gamecore.HoleCardCount)
	}
	var finalHand [7]poker.Card
	for index, card := range board {
		converted, err := poker.MakeCard(evalSuit(card.Suit), poker.Rank(card.Rank))
		if err != nil {
			return 0, fmt.Errorf("%w: board card %s", gamecore.ErrInvalidCard, card)
		}
		finalHand[index] = converted
	}
	for index, card := range holeCards {
		converted, err := poker.MakeCard(evalSuit(card.Suit), poker.Rank(card.Rank))
		if err != nil {
			return 0, fmt.Errorf("%w: hole card %s", gamecore.ErrInvalidCard, card)
		}
		finalHand[5+index] = converted
	}
	return poker.Eval7(&finalHand), nil
}

// labelHand classifies the best category among all seven cards. Aces
// count high and low for straights.
func labelHand(holeCards []gamecore.Card, board []gamecore.Card) string {
	cards := make([]gamecore.Card, 0, 7)
	cards = append(cards, holeCards...)
	cards = append(cards, board...)

	rankCounts := make(map[uint8]int)
	suitCards := make(map[gamecore.Suit][]uint8)
	for _, card := range cards {
		rankCounts[card.Rank]++
		suitCards[card.Suit] = append(suitCards[card.Suit], card.Rank)
	}

	var pairs, trips, quads int
	for _, count := range rankCounts {
		switch {
		case count >= 4:
			quads++
		case count == 3:
			trips++
		case count == 2:
			pairs++
		}
	}

	flushRanks := []uint8(nil)
	for _, ranks := range suitCards {
		if len(ranks) >= 5 {
			flushRanks = ranks
			break
		}
	}

	straightHigh := func(ranks map[uint8]bool) uint8 {
		best := uint8(0)
		for low := uint8(1); low <= 10; low++ {
			run := true
			high := low + 4
			for rank := low; rank <= high; rank++ {
				present := ranks[rank]
				if rank == 14 {
					present = ranks[1]
				}
				if !present {
					run = false
					break
				}
			}
			if run && high > best {
				best = high
			}
		}
		return best
	}

	allRanks := make(map[uint8]bool)
	for rank := range rankCounts {
		allRanks[rank] = true
	}

	if flushRanks != nil {
		flushSet := make(map[uint8]bool)
		for _, rank := range flushRanks {
			flushSet[rank] = true
		}
		if high := straightHigh(flushSet); high != 0 {
			if high == 14 {
				return labelRoyalFlush
			}
			return labelStraightFlush
		}
	}
	if quads > 0 {
		return labelFourOfAKind
	}
	if trips > 0 && (pairs > 0 || trips > 1) {
		return labelFullHouse
	}
	if flushRanks != nil {
		return labelFlush
	}
	if straightHigh(allRanks) != 0 {
		return labelStraight
	}
	if trips > 0 {
		return labelThreeOfAKind
	}
	if pairs >= 2 {
		return labelTwoPair
	}
	if pairs == 1 {
		return labelPair
	}
	return labelHighCard
}

// showdownWinners returns the eligible players holding the best hand.
func showdownWinners(eligible []*gamecore.Player, board []gamecore.Card) ([]*gamecore.Player, error) {
	if len(eligible) == 1 {
		return eligible, nil
	}
	var best int16
	var winners []*gamecore.Player
	for _, player := range eligible {
		score, err := scoreHand(player.HoleCards, board)
		if err != nil {
			return nil, err
		}
		switch {
		case winners == nil || score > best:
			best = score
			winners = []*gamecore.Player{player}
		case score == best:
			winners = append(winners, player)
		}
	}
	return winners, nil
}
