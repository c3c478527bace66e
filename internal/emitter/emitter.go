// Package emitter converts settlements plus post-update aggregate snapshots
// into canonical, idempotent change-sets keyed by block. The downstream sink
// only needs upsert-by-primary-key, plus removal of settlement rows by the
// block that created them.
package emitter

import (
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/estensen/x402-pipeline/internal/models"
	"github.com/estensen/x402-pipeline/internal/store"
)

// Emitter builds block-scoped change-sets. minAmount filters settlement rows
// below the configured threshold out of the sink (aggregates still include
// them; the filter mirrors the original db_out min_amount parameter).
type Emitter struct {
	minAmount *big.Int
}

// New creates an Emitter. A nil minAmount disables the settlement-row filter.
func New(minAmount *big.Int) *Emitter {
	return &Emitter{minAmount: minAmount}
}

// ApplyChangeSet produces the complete change-set for one applied block:
// settlement inserts plus upserts for every aggregate the block touched.
func (e *Emitter) ApplyChangeSet(block uint64, settlements []models.Settlement, st *store.Store) *models.ChangeSet {
	cs := &models.ChangeSet{BlockNumber: block, Directive: models.DirectiveApply}

	for i := range settlements {
		s := &settlements[i]
		if e.minAmount != nil && s.Amount.Cmp(e.minAmount) < 0 {
			continue
		}
		cs.Records = append(cs.Records, models.ChangeRecord{
			Entity: models.EntitySettlement,
			Key:    s.ID(),
			Op:     models.OpUpsert,
			Fields: settlementFields(s),
		})
	}

	e.appendAggregates(cs, settlements, st)
	canonicalize(cs)
	return cs
}

// UndoChangeSet produces the compensating change-set for a rolled-back block:
// deletes for the block's settlement rows and upserts carrying post-undo
// aggregate values, so the downstream store converges to the pre-block state.
func (e *Emitter) UndoChangeSet(block uint64, reverted []models.Settlement, st *store.Store) *models.ChangeSet {
	cs := &models.ChangeSet{BlockNumber: block, Directive: models.DirectiveUndo}

	for i := range reverted {
		s := &reverted[i]
		cs.Records = append(cs.Records, models.ChangeRecord{
			Entity: models.EntitySettlement,
			Key:    s.ID(),
			Op:     models.OpDelete,
			Fields: map[string]string{"block_number": strconv.FormatUint(block, 10)},
		})
	}

	e.appendAggregates(cs, reverted, st)
	canonicalize(cs)
	return cs
}

// appendAggregates emits one upsert per distinct actor and date the given
// settlements touch, reading current (post-apply or post-undo) store values.
// An actor whose aggregate no longer exists upserts as zeros.
func (e *Emitter) appendAggregates(cs *models.ChangeSet, settlements []models.Settlement, st *store.Store) {
	roles := map[store.Role]models.EntityType{
		store.RolePayer:       models.EntityPayer,
		store.RoleRecipient:   models.EntityRecipient,
		store.RoleFacilitator: models.EntityFacilitator,
	}

	seen := make(map[models.EntityType]map[string]bool)
	for role, entity := range roles {
		seen[entity] = make(map[string]bool)
		for i := range settlements {
			key := actorKey(&settlements[i], role)
			if seen[entity][key] {
				continue
			}
			seen[entity][key] = true
			cs.Records = append(cs.Records, models.ChangeRecord{
				Entity: entity,
				Key:    key,
				Op:     models.OpUpsert,
				Fields: actorFields(role, st.Actor(role, key)),
			})
		}
	}

	dates := make(map[string]bool)
	for i := range settlements {
		date := settlements[i].Date()
		if dates[date] {
			continue
		}
		dates[date] = true
		cs.Records = append(cs.Records, models.ChangeRecord{
			Entity: models.EntityDailyStats,
			Key:    date,
			Op:     models.OpUpsert,
			Fields: dailyFields(date, st.Daily(date)),
		})
	}
}

func actorKey(s *models.Settlement, role store.Role) string {
	switch role {
	case store.RolePayer:
		return lower(s.Payer.Hex())
	case store.RoleRecipient:
		return lower(s.Recipient.Hex())
	default:
		return lower(s.Facilitator.Hex())
	}
}

func lower(hex string) string {
	return strings.ToLower(hex)
}

func settlementFields(s *models.Settlement) map[string]string {
	return map[string]string{
		"block_number":    strconv.FormatUint(s.BlockNumber, 10),
		"block_timestamp": s.Timestamp.UTC().Format(time.DateTime),
		"tx_hash":         s.TxHash.Hex(),
		"log_index":       strconv.FormatUint(uint64(s.LogIndex), 10),
		"payer":           lower(s.Payer.Hex()),
		"recipient":       lower(s.Recipient.Hex()),
		"token":           lower(s.Token.Hex()),
		"amount":          s.Amount.String(),
		"settlement_type": string(s.Type),
		"facilitator":     lower(s.Facilitator.Hex()),
		"nonce":           s.Nonce.Hex(),
		"gas_used":        strconv.FormatUint(s.GasUsed, 10),
		"gas_price":       bigString(s.GasPrice),
	}
}

func actorFields(role store.Role, agg *models.ActorAggregate) map[string]string {
	if agg == nil {
		agg = &models.ActorAggregate{TotalAmount: new(big.Int), TotalGas: new(big.Int)}
	}
	fields := map[string]string{
		"total_amount":     agg.TotalAmount.String(),
		"total_count":      strconv.FormatUint(agg.TotalCount, 10),
		"first_seen_block": strconv.FormatUint(agg.FirstSeenBlock, 10),
		"last_seen_block":  strconv.FormatUint(agg.LastSeenBlock, 10),
	}
	if role == store.RoleFacilitator {
		fields["total_gas"] = agg.TotalGas.String()
	}
	return fields
}

func dailyFields(date string, day *models.DailyAggregate) map[string]string {
	if day == nil {
		day = &models.DailyAggregate{Date: date, Volume: new(big.Int)}
	}
	return map[string]string{
		"volume":            day.Volume.String(),
		"settlement_count":  strconv.FormatUint(day.SettlementCount, 10),
		"unique_payers":     strconv.FormatUint(day.UniquePayers, 10),
		"unique_recipients": strconv.FormatUint(day.UniqueRecipients, 10),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// canonicalize orders records by (entity, key, op) so the same block always
// emits the byte-identical change-set.
func canonicalize(cs *models.ChangeSet) {
	sort.Slice(cs.Records, func(i, j int) bool {
		a, b := cs.Records[i], cs.Records[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Op < b.Op
	})
}
