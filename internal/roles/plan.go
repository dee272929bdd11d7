package roles

import (
	"sort"

	"github.com/balloonboat/balloonboat/internal/guild"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// Plan computes the changes that bring members in line with bindings. Only
// bound roles are touched: a member loses every bound role of a rank other
// than their own and gains the role bound to their rank. Removals come first
// for each member so nobody briefly holds two rank roles.
func Plan(bindings []guild.Binding, members []Member, ranks map[rating.UserID]rating.Rank) []Change {
	if len(bindings) == 0 {
		return nil
	}
	sorted := append([]guild.Binding(nil), bindings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	var changes []Change
	for _, m := range members {
		rank, ok := ranks[m.UserID]
		if !ok {
			rank = rating.DefaultRank
		}
		changes = append(changes, planMember(sorted, m, rank)...)
	}
	return changes
}

func planMember(bindings []guild.Binding, m Member, rank rating.Rank) []Change {
	var removes, adds []Change
	for _, b := range bindings {
		has := m.HasRole(b.RoleID)
		switch {
		case b.Rank == rank && !has:
			adds = append(adds, Change{UserID: m.UserID, RoleID: b.RoleID, Action: ActionAdd})
		case b.Rank != rank && has:
			removes = append(removes, Change{UserID: m.UserID, RoleID: b.RoleID, Action: ActionRemove})
		}
	}
	return append(removes, adds...)
}
