package gamecore

import (
	"fmt"
	"math/rand/v2"
)

// Suit identifies one of the four card suits, ordered clubs,
// diamonds, hearts, spades.
type Suit uint8

const (
	SuitClubs Suit = iota
	SuitDiamonds
	SuitHearts
	SuitSpades
)

const (
	// DeckSize is the number of cards in a fresh deck.
	DeckSize = 52

	// HoleCardCount is the number of cards dealt to each player.
	HoleCardCount = 2

	rankAce   = 1
	rankKing  = 13
	suitCount = 4
)

var suitSymbols = [suitCount]string{"♣", "♦", "♥", "♠"}

// Card is a single playing card. Rank runs 1 (ace) through 13 (king).
type Card struct {
	Suit Suit  `json:"suit"`
	Rank uint8 `json:"rank"`
}

// NewCard validates suit and rank bounds.
func NewCard(suit Suit, rank uint8) (Card, error) {
	if suit > SuitSpades || rank < rankAce || rank > rankKing {
		return Card{}, fmt.Errorf("%w: suit=%d rank=%d", ErrInvalidCard, suit, rank)
	}
	return Card{Suit: suit, Rank: rank}, nil
}

// String renders the card as rank plus suit symbol, e.g. "A♠".
func (card Card) String() string {
	var rankLabel string
	switch card.Rank {
	case rankAce:
		rankLabel = "A"
	case 11:
		rankLabel = "J"
	case 12:
		rankLabel = "Q"
	case rankKing:
		rankLabel = "K"
	default:
		rankLabel = fmt.Sprintf("%d", card.Rank)
	}
	suitLabel := "?"
	if card.Suit <= SuitSpades {
		suitLabel = suitSymbols[card.Suit]
	}
	return rankLabel + suitLabel
}

// NewDeck returns all 52 cards in a fixed order.
func NewDeck() []Card {
	deck := make([]Card, 0, DeckSize)
	for suit := SuitClubs; suit <= SuitSpades; suit++ {
		for rank := uint8(rankAce); rank <= rankKing; rank++ {
			deck = append(deck, Card{Suit: suit, Rank: rank})
		}
	}
	return deck
}

// ShuffleDeck shuffles cards in place using the supplied source, or the
// default source when rng is nil.
func ShuffleDeck(deck []Card, rng *rand.Rand) {
	swap := func(i, j int) { deck[i], deck[j] = deck[j], deck[i] }
	if rng == nil {
		rand.Shuffle(len(deck), swap)
		return
	}
	rng.Shuffle(len(deck), swap)
}
