package engine

import (
	"sort"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// potLayer is one slice of the total pot, distributable only among
// contenders who committed at least its threshold.
type potLayer struct {
	amount   int64
	eligible []*gamecore.Player
}

// carvePotLayers splits the pot into layers at each distinct contender
// commitment level. Contributions from folded players fall into the
// layers their committed chips reach; any excess beyond the highest
// contender commitment (a folded player who had bet more) joins the
// top layer so no chip is left unassigned.
func carvePotLayers(session *gamecore.Session) []potLayer {
	contenders := session.Contenders()
	if len(contenders) == 0 {
		return nil
	}

	levelSet := make(map[int64]struct{})
	for _, contender := range contenders {
		if contender.TotalBet > 0 {
			levelSet[contender.TotalBet] = struct{}{}
		}
	}
	levels := make([]int64, 0, len(levelSet))
	for level := range levelSet {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	var layers []potLayer
	var assigned int64
	previous := int64(0)
	for _, level := range levels {
		layer := potLayer{}
		for _, player := range session.Players {
			if player == nil {
				continue
			}
			contribution := min(player.TotalBet, level) - min(player.TotalBet, previous)
			layer.amount += contribution
		}
		for _, contender := range contenders {
			if contender.TotalBet >= level {
				layer.eligible = append(layer.eligible, contender)
			}
		}
		assigned += layer.amount
		layers = append(layers, layer)
		previous = level
	}

	if len(layers) > 0 && assigned < session.Pot {
		layers[len(layers)-1].amount += session.Pot - assigned
	}
	return layers
}

// splitLayer divides a layer evenly among winners, assigning any
// remainder chips by seat-order precedence, lowest seat first.
func splitLayer(amount int64, winners []*gamecore.Player) map[int64]int64 {
	payouts := make(map[int64]int64, len(winners))
	if len(winners) == 0 || amount <= 0 {
		return payouts
	}
	ordered := make([]*gamecore.Player, len(winners))
	copy(ordered, winners)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seat < ordered[j].Seat })

	share := amount / int64(len(ordered))
	remainder := amount % int64(len(ordered))
	for index, winner := range ordered {
		payout := share
		if int64(index) < remainder {
			payout++
		}
		payouts[winner.UserID] += payout
	}
	return payouts
}
