package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Directive tells the pipeline what to do with a block: apply it forward or
// roll it back after a chain reorganization.
type Directive string

const (
	DirectiveApply Directive = "apply"
	DirectiveUndo  Directive = "undo"
)

// BlockEnvelope is one unit of input from the block-delivery collaborator.
type BlockEnvelope struct {
	Directive Directive `json:"directive"`
	Block     Block     `json:"block"`
}

// Block is an ordered set of transactions at one height.
type Block struct {
	Number       uint64        `json:"number"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction carries the ordered logs of one transaction plus its receipt.
type Transaction struct {
	Hash    common.Hash    `json:"hash"`
	Index   uint           `json:"index"`
	From    common.Address `json:"from"`
	Logs    []Log          `json:"logs"`
	Receipt Receipt        `json:"receipt"`
}

// Receipt holds the gas accounting for a transaction.
type Receipt struct {
	GasUsed  uint64   `json:"gas_used"`
	GasPrice *big.Int `json:"gas_price"`
}

// Log is a raw EVM event log.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
	Index   uint           `json:"index"`
}

// SettlementType is a closed enumeration of how a settlement was detected.
type SettlementType string

const (
	// SettlementPrimary is an EIP-3009 AuthorizationUsed paired with a token transfer.
	SettlementPrimary SettlementType = "primary"
	// SettlementProxy is a Settled() proxy event paired with a token transfer.
	SettlementProxy SettlementType = "proxy"
	// SettlementProxyPermit is a SettledWithPermit() proxy event paired with a token transfer.
	SettlementProxyPermit SettlementType = "proxy_permit"
	// SettlementCombined is a primary settlement that also emitted a proxy event
	// in the same transaction; the two detection paths merge into one record.
	SettlementCombined SettlementType = "combined"
)

// Settlement is one logical x402 payment, assembled from one or more raw logs.
// Immutable after creation; only removed by rolling back its block.
type Settlement struct {
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
	BlockNumber uint64
	Timestamp   time.Time
	Payer       common.Address
	Recipient   common.Address
	Token       common.Address
	Amount      *big.Int
	Type        SettlementType
	Facilitator common.Address
	Nonce       common.Hash
	GasUsed     uint64
	GasPrice    *big.Int
}

// ID returns the globally unique, stable settlement identifier.
func (s *Settlement) ID() string {
	return fmt.Sprintf("%s-%d", s.TxHash.Hex(), s.LogIndex)
}

// GasCost returns gas_used * gas_price in wei.
func (s *Settlement) GasCost() *big.Int {
	price := s.GasPrice
	if price == nil {
		price = new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(s.GasUsed), price)
}

// Date returns the UTC calendar date the settlement belongs to.
func (s *Settlement) Date() string {
	return s.Timestamp.UTC().Format("2006-01-02")
}

// ActorAggregate is the running total for one address in one role.
// TotalGas is only maintained for facilitators.
type ActorAggregate struct {
	Address        string
	TotalAmount    *big.Int
	TotalCount     uint64
	TotalGas       *big.Int
	FirstSeenBlock uint64
	LastSeenBlock  uint64
}

// Clone returns a deep copy so readers never share big.Int state with the writer.
func (a *ActorAggregate) Clone() *ActorAggregate {
	c := *a
	c.TotalAmount = new(big.Int).Set(a.TotalAmount)
	c.TotalGas = new(big.Int).Set(a.TotalGas)
	return &c
}

// DailyAggregate rolls up one UTC calendar date.
type DailyAggregate struct {
	Date             string
	Volume           *big.Int
	SettlementCount  uint64
	UniquePayers     uint64
	UniqueRecipients uint64
}

// Clone returns a deep copy of the daily aggregate.
func (d *DailyAggregate) Clone() *DailyAggregate {
	c := *d
	c.Volume = new(big.Int).Set(d.Volume)
	return &c
}

// EntityType names a downstream table a change record targets.
type EntityType string

const (
	EntitySettlement  EntityType = "settlements"
	EntityPayer       EntityType = "payers"
	EntityRecipient   EntityType = "recipients"
	EntityFacilitator EntityType = "facilitators"
	EntityDailyStats  EntityType = "daily_stats"
)

// ChangeOp is the operation a change record applies.
type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// ChangeRecord is one idempotent mutation of a downstream entity,
// addressed by entity type and primary key.
type ChangeRecord struct {
	Entity EntityType        `json:"entity"`
	Key    string            `json:"key"`
	Op     ChangeOp          `json:"op"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ChangeSet is the complete, deterministic set of mutations produced by
// processing one block. Replaying it against an already-consistent store
// yields no further change.
type ChangeSet struct {
	BlockNumber uint64         `json:"block_number"`
	Directive   Directive      `json:"directive"`
	Records     []ChangeRecord `json:"records"`
}
