package notify

import (
	"fmt"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// PrintPositions imprime las posiciones abiertas y la exposición derivada de ellas.
func (c *Console) PrintPositions(open []domain.Position, exp domain.Exposure, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n── OPEN POSITIONS (%d) ──\n", len(open))
	if len(open) == 0 {
		fmt.Fprintln(c.out, "  (none)")
	} else {
		table := tablewriter.NewWriter(c.out)
		table.Header("ID", "Strategy", "Position", "Side", "Size$", "Entry", "Last", "Age", "Pending")
		for _, p := range open {
			last := "-"
			if p.LastCheckPrice > 0 {
				last = fmt.Sprintf("%.4f", p.LastCheckPrice)
			}
			pending := "-"
			if p.PendingLeg != domain.LegNone {
				pending = fmt.Sprintf("%s (%s)", p.PendingLeg, p.PendingReason)
			}
			table.Append(
				p.ShortID(),
				string(p.Strategy),
				p.Label(),
				p.Side,
				fmt.Sprintf("$%.2f", p.SizeUSD),
				fmt.Sprintf("%.4f", p.EntryPrice),
				last,
				p.Age(now).Truncate(time.Minute).String(),
				pending,
			)
		}
		table.Render()
	}

	fmt.Fprintf(c.out, "\n── EXPOSURE ──\n")
	fmt.Fprintf(c.out, "  Total: $%.2f across %d positions\n", exp.Total, exp.Positions)
	for _, s := range domain.Strategies {
		if v := exp.ByStrategy[s]; v > 0 {
			fmt.Fprintf(c.out, "  %-12s $%.2f\n", s, v)
		}
	}
	cats := make([]string, 0, len(exp.ByCategory))
	for cat := range exp.ByCategory {
		cats = append(cats, cat)
	}
	slices.Sort(cats)
	if len(cats) > 0 {
		fmt.Fprintln(c.out, "  by category:")
		for _, cat := range cats {
			fmt.Fprintf(c.out, "    %-16s $%.2f\n", cat, exp.ByCategory[cat])
		}
	}
}

// PrintHistory imprime las posiciones cerradas y el pnl acumulado por estrategia.
func (c *Console) PrintHistory(closed []domain.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n── CLOSED POSITIONS (%d) ──\n", len(closed))
	if len(closed) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Strategy", "Position", "Reason", "Entry", "Close", "PnL", "Closed")
	byStrategy := make(map[domain.Strategy]float64)
	var total float64
	for _, p := range closed {
		var pnl float64
		if p.PnL != nil {
			pnl = *p.PnL
		}
		byStrategy[p.Strategy] += pnl
		total += pnl

		closedAt := "-"
		if p.CloseTime != nil {
			closedAt = p.CloseTime.Local().Format("01-02 15:04")
		}
		table.Append(
			p.ShortID(),
			string(p.Strategy),
			p.Label(),
			string(p.CloseReason),
			fmt.Sprintf("%.4f", p.EntryPrice),
			fmt.Sprintf("%.4f", p.ClosePrice),
			signedUSD(pnl),
			closedAt,
		)
	}
	table.Render()

	for _, s := range domain.Strategies {
		if v, ok := byStrategy[s]; ok {
			fmt.Fprintf(c.out, "  %-12s %s\n", s, signedUSD(v))
		}
	}
	fmt.Fprintf(c.out, "  Net P&L:     %s (approx, from observed close prices)\n", signedUSD(total))
}
