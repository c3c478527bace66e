// Package stats derives ranked, non-persisted metrics from current aggregate
// state. Everything here is a full recomputation over store snapshots; the
// deriver holds no state of its own.
package stats

import (
	"math/big"
	"sort"

	"github.com/estensen/x402-pipeline/internal/models"
	"github.com/estensen/x402-pipeline/internal/store"
)

// LeaderboardEntry is one ranked actor.
type LeaderboardEntry struct {
	Rank    int      `json:"rank"`
	Address string   `json:"address"`
	Total   *big.Int `json:"total"`
	Count   uint64   `json:"count"`
	Average *big.Int `json:"average"`
}

// FacilitatorEconomics relates what a facilitator settled to what it spent
// on gas doing so.
type FacilitatorEconomics struct {
	Address       string   `json:"address"`
	Settlements   uint64   `json:"settlements"`
	VolumeSettled *big.Int `json:"volume_settled"`
	GasSpent      *big.Int `json:"gas_spent"`
	// VolumePerGas is volume settled per wei of gas; zero when no gas was spent.
	VolumePerGas float64 `json:"volume_per_gas"`
}

// Deriver computes analytics over an aggregate store.
type Deriver struct {
	store *store.Store
}

// NewDeriver creates a Deriver reading from the given store.
func NewDeriver(st *store.Store) *Deriver {
	return &Deriver{store: st}
}

// Average returns total/count, or zero when count is zero. Never faults.
func Average(total *big.Int, count uint64) *big.Int {
	if count == 0 || total == nil {
		return new(big.Int)
	}
	return new(big.Int).Quo(total, new(big.Int).SetUint64(count))
}

// TopPayers returns up to limit payers ranked by total spent, ties broken by
// ascending address so the ordering is deterministic.
func (d *Deriver) TopPayers(limit int) []LeaderboardEntry {
	return d.leaderboard(store.RolePayer, limit)
}

// TopRecipients returns up to limit recipients ranked by total received.
func (d *Deriver) TopRecipients(limit int) []LeaderboardEntry {
	return d.leaderboard(store.RoleRecipient, limit)
}

func (d *Deriver) leaderboard(role store.Role, limit int) []LeaderboardEntry {
	actors := d.store.Actors(role)
	sort.Slice(actors, func(i, j int) bool {
		if c := actors[i].TotalAmount.Cmp(actors[j].TotalAmount); c != 0 {
			return c > 0
		}
		return actors[i].Address < actors[j].Address
	})
	if limit > 0 && len(actors) > limit {
		actors = actors[:limit]
	}
	entries := make([]LeaderboardEntry, 0, len(actors))
	for i, a := range actors {
		entries = append(entries, LeaderboardEntry{
			Rank:    i + 1,
			Address: a.Address,
			Total:   a.TotalAmount,
			Count:   a.TotalCount,
			Average: Average(a.TotalAmount, a.TotalCount),
		})
	}
	return entries
}

// FacilitatorEconomics returns per-facilitator settlement economics, ranked
// by volume settled with the same deterministic tie-break as leaderboards.
func (d *Deriver) FacilitatorEconomics() []FacilitatorEconomics {
	actors := d.store.Actors(store.RoleFacilitator)
	sort.Slice(actors, func(i, j int) bool {
		if c := actors[i].TotalAmount.Cmp(actors[j].TotalAmount); c != 0 {
			return c > 0
		}
		return actors[i].Address < actors[j].Address
	})
	out := make([]FacilitatorEconomics, 0, len(actors))
	for _, a := range actors {
		out = append(out, FacilitatorEconomics{
			Address:       a.Address,
			Settlements:   a.TotalCount,
			VolumeSettled: a.TotalAmount,
			GasSpent:      a.TotalGas,
			VolumePerGas:  volumePerGas(a),
		})
	}
	return out
}

func volumePerGas(a *models.ActorAggregate) float64 {
	if a.TotalGas == nil || a.TotalGas.Sign() == 0 {
		return 0
	}
	ratio, _ := new(big.Rat).SetFrac(a.TotalAmount, a.TotalGas).Float64()
	return ratio
}
