// Package pipeline drives per-block processing: extract settlements, apply or
// undo them against the aggregate store, and emit the block's change-set.
//
// Blocks are strictly sequential; within a block, extraction is parallel
// across transactions (pure functions over immutable input) while the store
// sees a single writer.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/estensen/x402-pipeline/internal/emitter"
	"github.com/estensen/x402-pipeline/internal/extractor"
	"github.com/estensen/x402-pipeline/internal/models"
	"github.com/estensen/x402-pipeline/internal/store"
)

// Pipeline wires the extractor, store and emitter together for one chain.
type Pipeline struct {
	extractor *extractor.Extractor
	store     *store.Store
	emitter   *emitter.Emitter
	pool      pond.Pool
	logger    *zap.Logger
}

// New creates a Pipeline with the given number of extraction workers.
func New(ex *extractor.Extractor, st *store.Store, em *emitter.Emitter, workers int, logger *zap.Logger) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		extractor: ex,
		store:     st,
		emitter:   em,
		pool:      pond.NewPool(workers),
		logger:    logger,
	}
}

// Store exposes the aggregate store for stats and API readers.
func (p *Pipeline) Store() *store.Store { return p.store }

// Process handles one input envelope according to its directive.
func (p *Pipeline) Process(ctx context.Context, env *models.BlockEnvelope) (*models.ChangeSet, error) {
	switch env.Directive {
	case models.DirectiveApply:
		return p.ApplyBlock(ctx, &env.Block)
	case models.DirectiveUndo:
		return p.UndoBlock(ctx, env.Block.Number)
	default:
		return nil, fmt.Errorf("unknown directive %q for block %d", env.Directive, env.Block.Number)
	}
}

// ApplyBlock extracts the block's settlements, applies them to the store and
// returns the block's change-set. If the context is cancelled before commit,
// the store is left untouched and nothing is emitted.
func (p *Pipeline) ApplyBlock(ctx context.Context, block *models.Block) (*models.ChangeSet, error) {
	perTx := make([][]models.Settlement, len(block.Transactions))
	perTxWarns := make([][]extractor.Warning, len(block.Transactions))

	group := p.pool.NewGroupContext(ctx)
	for i := range block.Transactions {
		i := i
		tx := &block.Transactions[i]
		group.SubmitErr(func() error {
			perTx[i], perTxWarns[i] = p.extractor.ExtractTransaction(block.Number, block.Timestamp, tx)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("extracting block %d: %w", block.Number, err)
	}

	var settlements []models.Settlement
	for _, s := range perTx {
		settlements = append(settlements, s...)
	}
	for _, warns := range perTxWarns {
		for _, w := range warns {
			p.logger.Warn("settlement extraction inconsistency",
				zap.Uint64("block", block.Number),
				zap.String("tx_hash", w.TxHash.Hex()),
				zap.Uint("log_index", w.LogIndex),
				zap.String("reason", w.Reason),
			)
		}
	}

	sort.Slice(settlements, func(i, j int) bool {
		if settlements[i].TxIndex != settlements[j].TxIndex {
			return settlements[i].TxIndex < settlements[j].TxIndex
		}
		return settlements[i].LogIndex < settlements[j].LogIndex
	})

	// Commit point: an abandoned block must never be visible to later stages.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.store.ApplyBlock(block.Number, settlements); err != nil {
		return nil, err
	}

	p.logger.Info("block applied",
		zap.Uint64("block", block.Number),
		zap.Int("settlements", len(settlements)),
	)
	return p.emitter.ApplyChangeSet(block.Number, settlements, p.store), nil
}

// UndoBlock rolls back the most recently applied block and returns the
// compensating change-set. Invariant violations from the store are fatal and
// propagate unchanged.
func (p *Pipeline) UndoBlock(ctx context.Context, number uint64) (*models.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reverted, err := p.store.UndoBlock(number)
	if err != nil {
		return nil, err
	}
	p.logger.Info("block rolled back",
		zap.Uint64("block", number),
		zap.Int("settlements", len(reverted)),
	)
	return p.emitter.UndoChangeSet(number, reverted, p.store), nil
}

// Close releases the extraction worker pool.
func (p *Pipeline) Close() {
	p.pool.StopAndWait()
}
