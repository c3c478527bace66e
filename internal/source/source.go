// Package source is the block-delivery boundary. The pipeline only requires
// an ordered stream of block envelopes; this package provides a JSONL file
// implementation for replaying captured or synthetic chains.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/estensen/x402-pipeline/internal/models"
)

// Source delivers block envelopes in order. Next returns io.EOF when the
// stream is exhausted.
type Source interface {
	Next(ctx context.Context) (*models.BlockEnvelope, error)
	Close() error
}

// Wire types: one JSON object per line, hex-encoded binary fields.

type wireEnvelope struct {
	Directive string    `json:"directive"`
	Block     wireBlock `json:"block"`
}

type wireBlock struct {
	Number       uint64    `json:"number"`
	Timestamp    int64     `json:"timestamp"`
	Transactions []wireTxn `json:"transactions"`
}

type wireTxn struct {
	Hash     common.Hash    `json:"hash"`
	Index    uint           `json:"index"`
	From     common.Address `json:"from"`
	GasUsed  uint64         `json:"gas_used"`
	GasPrice string         `json:"gas_price"`
	Logs     []wireLog      `json:"logs"`
}

type wireLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
	Index   uint           `json:"index"`
}

// FileSource reads newline-delimited JSON block envelopes from a file.
type FileSource struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

// NewFileSource opens a JSONL block file.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening block file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	return &FileSource{file: f, scanner: sc}, nil
}

// Next returns the next envelope, io.EOF at end of file.
func (fs *FileSource) Next(ctx context.Context) (*models.BlockEnvelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !fs.scanner.Scan() {
			if err := fs.scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading block file: %w", err)
			}
			return nil, io.EOF
		}
		fs.line++
		line := fs.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var we wireEnvelope
		if err := json.Unmarshal(line, &we); err != nil {
			return nil, fmt.Errorf("line %d: decoding envelope: %w", fs.line, err)
		}
		env, err := toEnvelope(&we)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", fs.line, err)
		}
		return env, nil
	}
}

// Close releases the underlying file.
func (fs *FileSource) Close() error {
	return fs.file.Close()
}

func toEnvelope(we *wireEnvelope) (*models.BlockEnvelope, error) {
	directive := models.Directive(we.Directive)
	switch directive {
	case models.DirectiveApply, models.DirectiveUndo:
	default:
		return nil, fmt.Errorf("unknown directive %q", we.Directive)
	}

	env := &models.BlockEnvelope{
		Directive: directive,
		Block: models.Block{
			Number:    we.Block.Number,
			Timestamp: time.Unix(we.Block.Timestamp, 0).UTC(),
		},
	}

	for _, wt := range we.Block.Transactions {
		gasPrice := new(big.Int)
		if wt.GasPrice != "" {
			if _, ok := gasPrice.SetString(wt.GasPrice, 10); !ok {
				return nil, fmt.Errorf("tx %s: invalid gas_price %q", wt.Hash.Hex(), wt.GasPrice)
			}
		}
		tx := models.Transaction{
			Hash:  wt.Hash,
			Index: wt.Index,
			From:  wt.From,
			Receipt: models.Receipt{
				GasUsed:  wt.GasUsed,
				GasPrice: gasPrice,
			},
		}
		for _, wl := range wt.Logs {
			tx.Logs = append(tx.Logs, models.Log{
				Address: wl.Address,
				Topics:  wl.Topics,
				Data:    wl.Data,
				Index:   wl.Index,
			})
		}
		env.Block.Transactions = append(env.Block.Transactions, tx)
	}
	return env, nil
}
