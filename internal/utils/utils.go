package utils

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/estensen/x402-pipeline/internal/stats"
)

// DisplayLeaderboard prints a ranked actor leaderboard in a table format.
func DisplayLeaderboard(title string, entries []stats.LeaderboardEntry) {
	if len(entries) == 0 {
		fmt.Printf("%s: nothing to display.\n", title)
		return
	}

	fmt.Printf("%s:\n", title)
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Rank", "Address", "Total", "Count", "Average"})

	for _, e := range entries {
		t.AppendRow(table.Row{e.Rank, e.Address, e.Total.String(), e.Count, e.Average.String()})
	}

	t.Render()
}

// DisplayFacilitators prints facilitator economics in a table format.
func DisplayFacilitators(economics []stats.FacilitatorEconomics) {
	if len(economics) == 0 {
		fmt.Println("Facilitator economics: nothing to display.")
		return
	}

	fmt.Println("Facilitator economics:")
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Address", "Settlements", "Volume Settled", "Gas Spent", "Volume/Gas"})

	for _, e := range economics {
		t.AppendRow(table.Row{
			e.Address,
			e.Settlements,
			e.VolumeSettled.String(),
			e.GasSpent.String(),
			fmt.Sprintf("%.6f", e.VolumePerGas),
		})
	}

	t.Render()
}
