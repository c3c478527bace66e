package source

import (
	"context"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estensen/x402-pipeline/internal/models"
)

func writeBlocks(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocks.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestFileSourceReadsEnvelopes(t *testing.T) {
	t.Parallel()

	path := writeBlocks(t, `{"directive":"apply","block":{"number":100,"timestamp":1754049600,"transactions":[{"hash":"0x00000000000000000000000000000000000000000000000000000000000000aa","index":0,"from":"0x5555555555555555555555555555555555555555","gas_used":80000,"gas_price":"1000000000","logs":[{"address":"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913","topics":["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"],"data":"0x0000000000000000000000000000000000000000000000000000000002faf080","index":1}]}]}}

{"directive":"undo","block":{"number":100}}
`)

	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()

	env, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DirectiveApply, env.Directive)
	assert.Equal(t, uint64(100), env.Block.Number)
	assert.Equal(t, time.Unix(1754049600, 0).UTC(), env.Block.Timestamp)

	require.Len(t, env.Block.Transactions, 1)
	tx := env.Block.Transactions[0]
	assert.Equal(t, common.HexToAddress("0x5555555555555555555555555555555555555555"), tx.From)
	assert.Equal(t, uint64(80000), tx.Receipt.GasUsed)
	assert.Equal(t, big.NewInt(1_000_000_000), tx.Receipt.GasPrice)

	require.Len(t, tx.Logs, 1)
	log := tx.Logs[0]
	assert.Equal(t, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), log.Address)
	assert.Equal(t, big.NewInt(50_000000), new(big.Int).SetBytes(log.Data))
	assert.Equal(t, uint(1), log.Index)

	// Blank line is skipped, the undo envelope follows.
	env, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DirectiveUndo, env.Directive)
	assert.Equal(t, uint64(100), env.Block.Number)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileSourceRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		wantErr string
	}{
		{
			name:    "unknown directive",
			line:    `{"directive":"rewind","block":{"number":1}}`,
			wantErr: "unknown directive",
		},
		{
			name:    "malformed json",
			line:    `{"directive":"apply",`,
			wantErr: "decoding envelope",
		},
		{
			name:    "invalid gas price",
			line:    `{"directive":"apply","block":{"number":1,"timestamp":0,"transactions":[{"hash":"0x0000000000000000000000000000000000000000000000000000000000000001","index":0,"from":"0x5555555555555555555555555555555555555555","gas_used":1,"gas_price":"not-a-number"}]}}`,
			wantErr: "invalid gas_price",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			src, err := NewFileSource(writeBlocks(t, tc.line+"\n"))
			require.NoError(t, err)
			defer src.Close()

			_, err = src.Next(context.Background())
			assert.ErrorContains(t, err, tc.wantErr)
			assert.ErrorContains(t, err, "line 1")
		})
	}
}

func TestFileSourceHonoursContext(t *testing.T) {
	t.Parallel()

	src, err := NewFileSource(writeBlocks(t, `{"directive":"apply","block":{"number":1}}`))
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
