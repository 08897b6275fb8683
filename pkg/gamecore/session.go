package gamecore

import "fmt"

// PlayerState is the in-hand participation state of a seated player.
type PlayerState string

const (
	PlayerActive     PlayerState = "active"
	PlayerFolded     PlayerState = "folded"
	PlayerAllIn      PlayerState = "all_in"
	PlayerSittingOut PlayerState = "sitting_out"
)

// Valid reports whether the state is one of the defined values.
func (state PlayerState) Valid() bool {
	switch state {
	case PlayerActive, PlayerFolded, PlayerAllIn, PlayerSittingOut:
		return true
	}
	return false
}

// MaxSeats bounds the number of players at one table.
const MaxSeats = 8

// NoSeat marks an unassigned seat index.
const NoSeat = -1

// Player is one seated participant, owned by its Session.
type Player struct {
	UserID     int64       `json:"user_id"`
	Name       string      `json:"name"`
	Seat       int         `json:"seat"`
	Chips      int64       `json:"chips"`
	State      PlayerState `json:"state"`
	CurrentBet int64       `json:"current_bet"`
	TotalBet   int64       `json:"total_bet"`
	HasActed   bool        `json:"has_acted"`
	Ready      bool        `json:"ready"`
	HoleCards  []Card      `json:"hole_cards"`
}

// NewPlayer seats a user with a starting stack.
func NewPlayer(userID int64, name string, seat int, chips int64) (*Player, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: zero value", ErrInvalidUserID)
	}
	if seat < 0 || seat >= MaxSeats {
		return nil, fmt.Errorf("%w: seat %d out of range", ErrPlayerNotSeated, seat)
	}
	if chips < 0 {
		return nil, fmt.Errorf("%w: negative chips", ErrInvalidAmount)
	}
	return &Player{
		UserID: userID,
		Name:   name,
		Seat:   seat,
		Chips:  chips,
		State:  PlayerActive,
	}, nil
}

// InHand reports whether the player can still win the current pot.
func (player *Player) InHand() bool {
	return player.State == PlayerActive || player.State == PlayerAllIn
}

// CanAct reports whether the player may still place bets this round.
func (player *Player) CanAct() bool {
	return player.State == PlayerActive
}

// ResetForHand clears per-hand bookkeeping before a new deal.
func (player *Player) ResetForHand() {
	player.State = PlayerActive
	player.CurrentBet = 0
	player.TotalBet = 0
	player.HasActed = false
	player.HoleCards = nil
}

// Session is one table's complete snapshot. All mutation happens while
// holding the session's stage lock; reads for display do not lock.
type Session struct {
	ChatID           int64     `json:"chat_id"`
	HandID           string    `json:"hand_id"`
	Stage            Stage     `json:"stage"`
	Pot              int64     `json:"pot"`
	Players          []*Player `json:"players"`
	CommunityCards   []Card    `json:"community_cards"`
	Deck             []Card    `json:"deck"`
	DealerSeat       int       `json:"dealer_seat"`
	SmallBlindSeat   int       `json:"small_blind_seat"`
	BigBlindSeat     int       `json:"big_blind_seat"`
	TurnSeat         int       `json:"turn_seat"`
	MaxRoundBet      int64     `json:"max_round_bet"`
	TurnDeadlineUnix int64     `json:"turn_deadline_unix"`
}

// NewSession creates a waiting session with a fresh unshuffled deck.
func NewSession(chatID int64) (*Session, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("%w: zero value", ErrInvalidChatID)
	}
	return &Session{
		ChatID:         chatID,
		Stage:          StageWaiting,
		Deck:           NewDeck(),
		DealerSeat:     NoSeat,
		SmallBlindSeat: NoSeat,
		BigBlindSeat:   NoSeat,
		TurnSeat:       NoSeat,
	}, nil
}

// FindPlayer returns the seated player with the given user id.
func (session *Session) FindPlayer(userID int64) (*Player, bool) {
	for _, player := range session.Players {
		if player != nil && player.UserID == userID {
			return player, true
		}
	}
	return nil, false
}

// PlayerBySeat returns the player occupying the given seat index.
func (session *Session) PlayerBySeat(seat int) (*Player, bool) {
	for _, player := range session.Players {
		if player != nil && player.Seat == seat {
			return player, true
		}
	}
	return nil, false
}

// ReadyPlayers returns players flagged ready and not sitting out.
func (session *Session) ReadyPlayers() []*Player {
	ready := make([]*Player, 0, len(session.Players))
	for _, player := range session.Players {
		if player != nil && player.Ready && player.State != PlayerSittingOut {
			ready = append(ready, player)
		}
	}
	return ready
}

// Contenders returns players still able to win the pot, in seat order.
func (session *Session) Contenders() []*Player {
	contenders := make([]*Player, 0, len(session.Players))
	for _, player := range session.Players {
		if player != nil && player.InHand() {
			contenders = append(contenders, player)
		}
	}
	return contenders
}

// CommittedTotal sums every player's total committed bet for the hand.
func (session *Session) CommittedTotal() int64 {
	var total int64
	for _, player := range session.Players {
		if player != nil {
			total += player.TotalBet
		}
	}
	return total
}

// ResetToWaiting returns the session to the waiting state, preserving
// seated players, their stacks, and the dealer button so rotation
// carries into the next hand.
func (session *Session) ResetToWaiting() {
	session.Stage = StageWaiting
	session.HandID = ""
	session.Pot = 0
	session.CommunityCards = nil
	session.Deck = NewDeck()
	session.SmallBlindSeat = NoSeat
	session.BigBlindSeat = NoSeat
	session.TurnSeat = NoSeat
	session.MaxRoundBet = 0
	session.TurnDeadlineUnix = 0
	for _, player := range session.Players {
		if player == nil {
			continue
		}
		sittingOut := player.State == PlayerSittingOut
		player.ResetForHand()
		if sittingOut {
			player.State = PlayerSittingOut
		}
	}
}
