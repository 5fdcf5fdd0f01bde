package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/reconcile"
	"github.com/lox/baucua/internal/round"
	"github.com/lox/baucua/internal/settlement"
	"github.com/lox/baucua/internal/store"
)

var (
	// Style definitions
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	phaseStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14"))

	hostStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	readyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	winStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	lossStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))

	pushStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	memberColumn = lipgloss.NewStyle().Width(28)
)

func chips(n int64) string {
	return humanize.Comma(n)
}

// renderRooms lays the lobby out as a table.
func renderRooms(rooms []store.RoomSummary) string {
	if len(rooms) == 0 {
		return idleStyle.Render("No open rooms")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(idleStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("CODE", "HOST", "STATUS", "PLAYERS", "OPENED")

	for _, r := range rooms {
		t.Row(
			r.Code,
			r.HostID,
			string(r.Status),
			fmt.Sprintf("%d/%d", r.PlayerCount, r.MaxPlayers),
			humanize.Time(r.CreatedAt),
		)
	}
	return t.String()
}

func renderBets(b ledger.Bets) string {
	if b.Total() == 0 {
		return idleStyle.Render("no bets")
	}
	parts := make([]string, 0, len(b))
	for _, a := range ledger.Animals {
		if b[a] > 0 {
			parts = append(parts, a.Name()+" "+chips(b[a]))
		}
	}
	return strings.Join(parts, ", ")
}

func renderOutcome(o []ledger.Animal) string {
	names := make([]string, len(o))
	for i, a := range o {
		names[i] = a.Name()
	}
	return strings.Join(names, " · ")
}

// renderView draws the room as self sees it.
func renderView(v reconcile.View, phase round.Phase, self string, balance int64) string {
	if v.Deleted {
		return headerStyle.Render("Room closed")
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("Room %s", v.Room.Code)))
	sb.WriteString("  " + phaseStyle.Render(phase.String()))
	if rev, ok := phase.(round.Revealed); ok {
		sb.WriteString("  " + renderOutcome(rev.Outcome.Slice()))
	} else if st, ok := phase.(round.Settled); ok {
		sb.WriteString("  " + renderOutcome(st.Outcome.Slice()))
	}
	sb.WriteString("\n")

	for _, m := range v.OrderedMembers() {
		name := m.UserID
		if m.UserID == self {
			name += " (you)"
		}
		if v.IsHost(m.UserID) {
			name = hostStyle.Render("★ " + name)
		} else if m.IsReady {
			name = readyStyle.Render("✓ " + name)
		} else {
			name = idleStyle.Render("· " + name)
		}
		if v.Provisional[m.UserID] {
			name += idleStyle.Render(" …")
		}
		sb.WriteString("  " + memberColumn.Render(name) + " " + renderBets(m.BetDetails) + "\n")
	}

	sb.WriteString(fmt.Sprintf("  pot %s · balance %s", chips(v.TotalStaked()), chips(balance)))
	return sb.String()
}

// renderSettlement summarises one settled round.
func renderSettlement(s settlement.Settlement) string {
	res := s.Result
	net := chips(res.NetChange)
	if res.NetChange > 0 {
		net = "+" + net
	}

	switch res.Verdict() {
	case ledger.VerdictWin:
		return winStyle.Render(fmt.Sprintf("Won %s (%s)", chips(res.TotalWinnings), net)) + winnersBy(res)
	case ledger.VerdictLoss:
		return lossStyle.Render(fmt.Sprintf("Lost %s", chips(res.TotalStaked)))
	case ledger.VerdictPush:
		return pushStyle.Render("Broke even")
	default:
		return idleStyle.Render("Sat the round out")
	}
}

func winnersBy(res ledger.Result) string {
	animals := make([]string, 0, len(res.WinningsByAnimal))
	for a := range res.WinningsByAnimal {
		animals = append(animals, a.Name())
	}
	sort.Strings(animals)
	return idleStyle.Render(" on " + strings.Join(animals, ", "))
}
