package extractor

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estensen/x402-pipeline/internal/models"
)

var (
	tokenAddr = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	proxyAddr = common.HexToAddress("0x4020615294c913F045dc10f0a5cdEbd86c280001")

	payerAddr     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipientAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	otherPayer    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	otherRecip    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	facilitator   = common.HexToAddress("0x5555555555555555555555555555555555555555")

	nonceA = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	blockTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
)

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func amountData(v int64) []byte {
	return common.BigToHash(big.NewInt(v)).Bytes()
}

func transferLog(index uint, from, to common.Address, amount int64) models.Log {
	return models.Log{
		Address: tokenAddr,
		Topics:  []common.Hash{TransferTopic, addrTopic(from), addrTopic(to)},
		Data:    amountData(amount),
		Index:   index,
	}
}

func authLog(index uint, authorizer common.Address, nonce common.Hash) models.Log {
	return models.Log{
		Address: tokenAddr,
		Topics:  []common.Hash{AuthorizationUsedTopic, addrTopic(authorizer), nonce},
		Index:   index,
	}
}

func proxyLog(index uint, topic common.Hash) models.Log {
	return models.Log{
		Address: proxyAddr,
		Topics:  []common.Hash{topic},
		Index:   index,
	}
}

func newTx(logs ...models.Log) *models.Transaction {
	return &models.Transaction{
		Hash:  common.HexToHash("0xbeef"),
		Index: 0,
		From:  facilitator,
		Logs:  logs,
		Receipt: models.Receipt{
			GasUsed:  80000,
			GasPrice: big.NewInt(1_000_000_000),
		},
	}
}

func TestExtractPrimarySettlement(t *testing.T) {
	t.Parallel()

	ex := New(tokenAddr, proxyAddr, PairEarliestIndex)
	tx := newTx(
		authLog(0, payerAddr, nonceA),
		transferLog(1, payerAddr, recipientAddr, 50_000000),
	)

	settlements, warnings := ex.ExtractTransaction(100, blockTime, tx)
	require.Len(t, settlements, 1)
	assert.Empty(t, warnings)

	s := settlements[0]
	assert.Equal(t, models.SettlementPrimary, s.Type)
	assert.Equal(t, payerAddr, s.Payer)
	assert.Equal(t, recipientAddr, s.Recipient)
	assert.Equal(t, tokenAddr, s.Token)
	assert.Equal(t, facilitator, s.Facilitator)
	assert.Equal(t, nonceA, s.Nonce)
	assert.Equal(t, big.NewInt(50_000000), s.Amount)
	assert.Equal(t, uint(1), s.LogIndex)
	assert.Equal(t, uint64(100), s.BlockNumber)
	assert.Equal(t, big.NewInt(80_000_000_000_000), s.GasCost())
}

func TestExtractCombinedNotDuplicated(t *testing.T) {
	t.Parallel()

	ex := New(tokenAddr, proxyAddr, PairEarliestIndex)
	tx := newTx(
		authLog(0, payerAddr, nonceA),
		transferLog(1, payerAddr, recipientAddr, 50_000000),
		proxyLog(2, SettledTopic),
	)

	settlements, warnings := ex.ExtractTransaction(100, blockTime, tx)
	require.Len(t, settlements, 1, "both detection paths must merge into one settlement")
	assert.Empty(t, warnings)
	assert.Equal(t, models.SettlementCombined, settlements[0].Type)
	assert.Equal(t, big.NewInt(50_000000), settlements[0].Amount)
}

func TestExtractProxyOnlySettlements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		topic    common.Hash
		expected models.SettlementType
	}{
		{name: "Settled", topic: SettledTopic, expected: models.SettlementProxy},
		{name: "SettledWithPermit", topic: SettledWithPermitTopic, expected: models.SettlementProxyPermit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(tokenAddr, proxyAddr, PairEarliestIndex)
			tx := newTx(
				transferLog(0, payerAddr, recipientAddr, 7_000000),
				proxyLog(1, tt.topic),
			)

			settlements, warnings := ex.ExtractTransaction(100, blockTime, tx)
			require.Len(t, settlements, 1)
			assert.Empty(t, warnings)
			assert.Equal(t, tt.expected, settlements[0].Type)
			assert.Equal(t, payerAddr, settlements[0].Payer)
			assert.Equal(t, common.Hash{}, settlements[0].Nonce)
		})
	}
}

func TestExtractMultipleIndependentSettlements(t *testing.T) {
	t.Parallel()

	ex := New(tokenAddr, proxyAddr, PairEarliestIndex)
	tx := newTx(
		authLog(0, payerAddr, nonceA),
		transferLog(1, payerAddr, recipientAddr, 10_000000),
		authLog(2, otherPayer, nonceA),
		transferLog(3, otherPayer, otherRecip, 20_000000),
	)

	settlements, warnings := ex.ExtractTransaction(100, blockTime, tx)
	require.Len(t, settlements, 2)
	assert.Empty(t, warnings)
	assert.Equal(t, uint(1), settlements[0].LogIndex)
	assert.Equal(t, uint(3), settlements[1].LogIndex)
	assert.Equal(t, payerAddr, settlements[0].Payer)
	assert.Equal(t, otherPayer, settlements[1].Payer)
}

func TestExtractAmbiguousPairing(t *testing.T) {
	t.Parallel()

	// One authorization at index 4, two candidate transfers by the same
	// payer at indexes 1 and 3.
	logs := []models.Log{
		transferLog(1, payerAddr, recipientAddr, 5_000000),
		transferLog(3, payerAddr, otherRecip, 5_000000),
		authLog(4, payerAddr, nonceA),
	}

	tests := []struct {
		name          string
		policy        PairingPolicy
		expectedIndex uint
	}{
		{name: "earliest index", policy: PairEarliestIndex, expectedIndex: 1},
		{name: "nearest index", policy: PairNearestIndex, expectedIndex: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(tokenAddr, proxyAddr, tt.policy)
			settlements, warnings := ex.ExtractTransaction(100, blockTime, newTx(logs...))

			require.Len(t, settlements, 1)
			require.Len(t, warnings, 1, "ambiguity must be flagged for audit")
			assert.Contains(t, warnings[0].Reason, "ambiguous")
			assert.Equal(t, tt.expectedIndex, settlements[0].LogIndex)
		})
	}
}

func TestExtractRejectsUnpairableLogs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		logs   []models.Log
		reason string
	}{
		{
			name:   "authorization without transfer",
			logs:   []models.Log{authLog(0, payerAddr, nonceA)},
			reason: "without a matching token transfer",
		},
		{
			name:   "proxy event without transfer",
			logs:   []models.Log{proxyLog(0, SettledTopic)},
			reason: "without a token transfer",
		},
		{
			name: "malformed transfer data",
			logs: []models.Log{
				{
					Address: tokenAddr,
					Topics:  []common.Hash{TransferTopic, addrTopic(payerAddr), addrTopic(recipientAddr)},
					Data:    []byte{0x01},
					Index:   0,
				},
				authLog(1, payerAddr, nonceA),
			},
			reason: "malformed transfer log",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(tokenAddr, proxyAddr, PairEarliestIndex)
			settlements, warnings := ex.ExtractTransaction(100, blockTime, newTx(tt.logs...))

			assert.Empty(t, settlements)
			require.NotEmpty(t, warnings)
			assert.Contains(t, warnings[0].Reason, tt.reason)
		})
	}
}

func TestExtractIgnoresForeignAndMintLogs(t *testing.T) {
	t.Parallel()

	ex := New(tokenAddr, proxyAddr, PairEarliestIndex)
	foreignToken := common.HexToAddress("0x9999999999999999999999999999999999999999")
	tx := newTx(
		// Transfer on a token that is not monitored.
		models.Log{
			Address: foreignToken,
			Topics:  []common.Hash{TransferTopic, addrTopic(payerAddr), addrTopic(recipientAddr)},
			Data:    amountData(1_000000),
			Index:   0,
		},
		// Zero-to-zero mint/burn noise.
		transferLog(1, common.Address{}, common.Address{}, 2_000000),
	)

	settlements, warnings := ex.ExtractTransaction(100, blockTime, tx)
	assert.Empty(t, settlements)
	assert.Empty(t, warnings)
}

func TestExtractBlockOrdersByTxThenLogIndex(t *testing.T) {
	t.Parallel()

	ex := New(tokenAddr, proxyAddr, PairEarliestIndex)
	tx1 := newTx(
		authLog(0, payerAddr, nonceA),
		transferLog(1, payerAddr, recipientAddr, 1_000000),
	)
	tx1.Index = 0
	tx2 := newTx(
		authLog(5, otherPayer, nonceA),
		transferLog(6, otherPayer, otherRecip, 2_000000),
	)
	tx2.Index = 1
	tx2.Hash = common.HexToHash("0xcafe")

	block := &models.Block{
		Number:       100,
		Timestamp:    blockTime,
		Transactions: []models.Transaction{*tx1, *tx2},
	}

	settlements, warnings := ex.ExtractBlock(block)
	require.Len(t, settlements, 2)
	assert.Empty(t, warnings)
	assert.Equal(t, uint(0), settlements[0].TxIndex)
	assert.Equal(t, uint(1), settlements[1].TxIndex)
}
