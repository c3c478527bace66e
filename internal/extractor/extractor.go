// Package extractor turns raw transaction logs into typed Settlements.
//
// x402 settlements show up through two EVM event patterns:
//
//  1. EIP-3009: AuthorizationUsed(address indexed authorizer, bytes32 indexed nonce)
//     emitted by USDC when transferWithAuthorization is called, alongside the
//     ERC-20 Transfer that moves the funds.
//  2. Permit2 proxy: parameterless Settled() / SettledWithPermit() events from
//     the x402 proxy contract.
//
// A transaction exercising both paths must still produce exactly one
// Settlement (type "combined"); emitting one per path would double-count
// volume downstream.
package extractor

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/estensen/x402-pipeline/internal/models"
)

// Event topic hashes (keccak256 of the event signature).
var (
	// Transfer(address,address,uint256)
	TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	// AuthorizationUsed(address,bytes32)
	AuthorizationUsedTopic = common.HexToHash("0x98de503528ee59b575ef0c0a2576a82497bfc029a5685b209e9ec333479b10a5")
	// Settled()
	SettledTopic = common.HexToHash("0x97088ec3606cfe8cc112180570d03fcde05f9b8e1bfef8e27784eaf5dd5691b6")
	// SettledWithPermit()
	SettledWithPermitTopic = common.HexToHash("0xde5b89d10fc800c459329c382fabfcad0be0ed7e5328e01fae04e507b09ef5d8")
)

var zeroAddress = common.Address{}

// PairingPolicy selects the tie-break used when an authorization matches
// more than one candidate transfer in the same transaction.
type PairingPolicy string

const (
	// PairEarliestIndex picks the candidate with the lowest log index.
	PairEarliestIndex PairingPolicy = "earliest-index"
	// PairNearestIndex picks the candidate closest to the authorization log,
	// lower index winning ties.
	PairNearestIndex PairingPolicy = "nearest-index"
)

// Warning is a non-fatal extraction inconsistency, attributable to one transaction.
type Warning struct {
	TxHash   common.Hash
	LogIndex uint
	Reason   string
}

func (w Warning) String() string {
	return fmt.Sprintf("tx %s log %d: %s", w.TxHash.Hex(), w.LogIndex, w.Reason)
}

// Extractor recognizes x402 settlements in transaction logs. It is purely
// functional: the same input always yields the same settlements and warnings.
type Extractor struct {
	token  common.Address
	proxy  common.Address
	policy PairingPolicy
}

// New creates an Extractor watching the given payment token and x402 proxy.
func New(token, proxy common.Address, policy PairingPolicy) *Extractor {
	if policy == "" {
		policy = PairEarliestIndex
	}
	return &Extractor{token: token, proxy: proxy, policy: policy}
}

type transferEvent struct {
	from     common.Address
	to       common.Address
	amount   *big.Int
	logIndex uint
	consumed bool
}

type authEvent struct {
	authorizer common.Address
	nonce      common.Hash
	logIndex   uint
}

type proxyEvent struct {
	permit   bool
	logIndex uint
}

// ExtractBlock runs ExtractTransaction over every transaction in the block
// and returns all settlements in ascending (tx index, log index) order.
func (e *Extractor) ExtractBlock(block *models.Block) ([]models.Settlement, []Warning) {
	var settlements []models.Settlement
	var warnings []Warning
	for i := range block.Transactions {
		s, w := e.ExtractTransaction(block.Number, block.Timestamp, &block.Transactions[i])
		settlements = append(settlements, s...)
		warnings = append(warnings, w...)
	}
	return settlements, warnings
}

// ExtractTransaction produces zero or more Settlements from one transaction's
// ordered logs. Logs are examined in emission order; the value-transfer log's
// index becomes the settlement id tie-break. Malformed logs reject only the
// settlement they would have formed, never the whole transaction.
func (e *Extractor) ExtractTransaction(blockNumber uint64, blockTime time.Time, tx *models.Transaction) ([]models.Settlement, []Warning) {
	transfers, auths, proxies, warnings := e.decodeLogs(tx)
	if len(auths) == 0 && len(proxies) == 0 {
		return nil, warnings
	}

	var settlements []models.Settlement

	newSettlement := func(t *transferEvent, typ models.SettlementType, nonce common.Hash) models.Settlement {
		return models.Settlement{
			TxHash:      tx.Hash,
			TxIndex:     tx.Index,
			LogIndex:    t.logIndex,
			BlockNumber: blockNumber,
			Timestamp:   blockTime,
			Payer:       t.from,
			Recipient:   t.to,
			Token:       e.token,
			Amount:      new(big.Int).Set(t.amount),
			Type:        typ,
			Facilitator: tx.From,
			Nonce:       nonce,
			GasUsed:     tx.Receipt.GasUsed,
			GasPrice:    tx.Receipt.GasPrice,
		}
	}

	// Primary path: each AuthorizationUsed pairs with a transfer whose
	// sender is the authorizer. Pairing consumes the transfer so two
	// authorizations can never claim the same funds movement.
	for _, auth := range auths {
		var candidates []*transferEvent
		for _, t := range transfers {
			if !t.consumed && t.from == auth.authorizer {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) == 0 {
			warnings = append(warnings, Warning{
				TxHash:   tx.Hash,
				LogIndex: auth.logIndex,
				Reason:   "authorization consumed without a matching token transfer",
			})
			continue
		}
		if len(candidates) > 1 {
			warnings = append(warnings, Warning{
				TxHash:   tx.Hash,
				LogIndex: auth.logIndex,
				Reason: fmt.Sprintf("ambiguous authorization pairing: %d candidate transfers, applying %s policy",
					len(candidates), e.policy),
			})
		}
		chosen := e.pick(candidates, auth.logIndex)
		chosen.consumed = true
		settlements = append(settlements, newSettlement(chosen, models.SettlementPrimary, auth.nonce))
	}

	// Proxy path. A proxy event first tries to merge into an existing
	// primary settlement from the same transaction; only if none is
	// available does it claim a transfer of its own.
	merged := make([]bool, len(settlements))
	for _, p := range proxies {
		mergeIdx := -1
		for i := range settlements {
			if !merged[i] && settlements[i].Type == models.SettlementPrimary {
				mergeIdx = i
				break
			}
		}
		if mergeIdx >= 0 {
			settlements[mergeIdx].Type = models.SettlementCombined
			merged[mergeIdx] = true
			continue
		}

		var chosen *transferEvent
		for _, t := range transfers {
			if !t.consumed {
				chosen = t
				break
			}
		}
		if chosen == nil {
			warnings = append(warnings, Warning{
				TxHash:   tx.Hash,
				LogIndex: p.logIndex,
				Reason:   "proxy settlement without a token transfer",
			})
			continue
		}
		chosen.consumed = true
		typ := models.SettlementProxy
		if p.permit {
			typ = models.SettlementProxyPermit
		}
		settlements = append(settlements, newSettlement(chosen, typ, common.Hash{}))
	}

	sort.Slice(settlements, func(i, j int) bool {
		return settlements[i].LogIndex < settlements[j].LogIndex
	})
	return settlements, warnings
}

// pick applies the pairing policy to a non-empty candidate list.
// Candidates arrive in ascending log-index order.
func (e *Extractor) pick(candidates []*transferEvent, authIndex uint) *transferEvent {
	if e.policy != PairNearestIndex {
		return candidates[0]
	}
	best := candidates[0]
	bestDist := indexDistance(best.logIndex, authIndex)
	for _, c := range candidates[1:] {
		if d := indexDistance(c.logIndex, authIndex); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func indexDistance(a, b uint) uint {
	if a > b {
		return a - b
	}
	return b - a
}

// decodeLogs classifies a transaction's logs into transfers, authorizations
// and proxy events, preserving emission order within each class.
func (e *Extractor) decodeLogs(tx *models.Transaction) ([]*transferEvent, []authEvent, []proxyEvent, []Warning) {
	var (
		transfers []*transferEvent
		auths     []authEvent
		proxies   []proxyEvent
		warnings  []Warning
	)

	for i := range tx.Logs {
		log := &tx.Logs[i]
		if len(log.Topics) == 0 {
			continue
		}

		switch {
		case log.Address == e.token && log.Topics[0] == TransferTopic:
			t, err := decodeTransfer(log)
			if err != nil {
				warnings = append(warnings, Warning{TxHash: tx.Hash, LogIndex: log.Index, Reason: err.Error()})
				continue
			}
			// Mint/burn noise is not a payment.
			if t.from == zeroAddress && t.to == zeroAddress {
				continue
			}
			transfers = append(transfers, t)

		case log.Address == e.token && log.Topics[0] == AuthorizationUsedTopic:
			a, err := decodeAuthorizationUsed(log)
			if err != nil {
				warnings = append(warnings, Warning{TxHash: tx.Hash, LogIndex: log.Index, Reason: err.Error()})
				continue
			}
			auths = append(auths, a)

		case log.Address == e.proxy && log.Topics[0] == SettledTopic:
			proxies = append(proxies, proxyEvent{permit: false, logIndex: log.Index})

		case log.Address == e.proxy && log.Topics[0] == SettledWithPermitTopic:
			proxies = append(proxies, proxyEvent{permit: true, logIndex: log.Index})
		}
	}

	return transfers, auths, proxies, warnings
}

// decodeTransfer decodes Transfer(address indexed from, address indexed to, uint256 value).
func decodeTransfer(log *models.Log) (*transferEvent, error) {
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("malformed transfer log: %d topics, want 3", len(log.Topics))
	}
	if len(log.Data) < 32 {
		return nil, fmt.Errorf("malformed transfer log: %d data bytes, want 32", len(log.Data))
	}
	return &transferEvent{
		from:     common.BytesToAddress(log.Topics[1][12:]),
		to:       common.BytesToAddress(log.Topics[2][12:]),
		amount:   new(big.Int).SetBytes(log.Data[:32]),
		logIndex: log.Index,
	}, nil
}

// decodeAuthorizationUsed decodes AuthorizationUsed(address indexed authorizer, bytes32 indexed nonce).
func decodeAuthorizationUsed(log *models.Log) (authEvent, error) {
	if len(log.Topics) < 3 {
		return authEvent{}, fmt.Errorf("malformed authorization log: %d topics, want 3", len(log.Topics))
	}
	return authEvent{
		authorizer: common.BytesToAddress(log.Topics[1][12:]),
		nonce:      log.Topics[2],
		logIndex:   log.Index,
	}, nil
}
