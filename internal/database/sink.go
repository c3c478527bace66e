package database

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/estensen/x402-pipeline/internal/models"
)

// Sink applies change-sets to ClickHouse and tracks the last-applied block
// so the pipeline can resume and coordinate rollbacks safely.
type Sink struct {
	Conn   clickhouse.Conn
	logger *zap.Logger
}

// NewSink creates a Sink over an open connection.
func NewSink(conn clickhouse.Conn, logger *zap.Logger) *Sink {
	return &Sink{Conn: conn, logger: logger}
}

// InitSchema creates the five entity tables, the cursor table and the
// derived read-only views. largePaymentThreshold parameterizes the
// large_payments view.
func (s *Sink) InitSchema(ctx context.Context, largePaymentThreshold *big.Int) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
			id String,
			block_number UInt64,
			block_timestamp DateTime('UTC'),
			tx_hash String,
			log_index UInt32,
			payer String,
			recipient String,
			token String,
			amount UInt256,
			settlement_type String,
			facilitator String,
			nonce String,
			gas_used UInt64,
			gas_price UInt256
		) ENGINE = ReplacingMergeTree(block_number)
		ORDER BY (id)`,

		`CREATE TABLE IF NOT EXISTS payers (
			address String,
			total_amount UInt256,
			total_count UInt64,
			first_seen_block UInt64,
			last_seen_block UInt64,
			updated_block UInt64
		) ENGINE = ReplacingMergeTree(updated_block)
		ORDER BY (address)`,

		`CREATE TABLE IF NOT EXISTS recipients (
			address String,
			total_amount UInt256,
			total_count UInt64,
			first_seen_block UInt64,
			last_seen_block UInt64,
			updated_block UInt64
		) ENGINE = ReplacingMergeTree(updated_block)
		ORDER BY (address)`,

		`CREATE TABLE IF NOT EXISTS facilitators (
			address String,
			total_amount UInt256,
			total_count UInt64,
			total_gas UInt256,
			first_seen_block UInt64,
			last_seen_block UInt64,
			updated_block UInt64
		) ENGINE = ReplacingMergeTree(updated_block)
		ORDER BY (address)`,

		`CREATE TABLE IF NOT EXISTS daily_stats (
			date Date,
			volume UInt256,
			settlement_count UInt64,
			unique_payers UInt64,
			unique_recipients UInt64,
			updated_block UInt64
		) ENGINE = ReplacingMergeTree(updated_block)
		ORDER BY (date)`,

		`CREATE TABLE IF NOT EXISTS pipeline_cursor (
			id UInt8,
			last_block UInt64,
			directive String,
			updated_at DateTime('UTC')
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (id)`,

		`CREATE VIEW IF NOT EXISTS top_payers AS
			SELECT address, total_amount, total_count
			FROM payers FINAL
			WHERE total_count > 0
			ORDER BY total_amount DESC, address ASC
			LIMIT 100`,

		`CREATE VIEW IF NOT EXISTS top_recipients AS
			SELECT address, total_amount, total_count
			FROM recipients FINAL
			WHERE total_count > 0
			ORDER BY total_amount DESC, address ASC
			LIMIT 100`,

		`CREATE VIEW IF NOT EXISTS facilitator_economics AS
			SELECT address, total_count, total_amount, total_gas,
			       if(total_gas = 0, 0, toFloat64(total_amount) / toFloat64(total_gas)) AS volume_per_gas
			FROM facilitators FINAL
			WHERE total_count > 0
			ORDER BY total_amount DESC, address ASC`,

		fmt.Sprintf(`CREATE VIEW IF NOT EXISTS large_payments AS
			SELECT * FROM settlements FINAL
			WHERE amount >= %s
			ORDER BY block_number DESC, log_index DESC`, largePaymentThreshold.String()),

		`CREATE VIEW IF NOT EXISTS recent_settlements AS
			SELECT * FROM settlements FINAL
			ORDER BY block_number DESC, log_index DESC
			LIMIT 100`,
	}

	for _, q := range ddl {
		if err := s.Conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

// ApplyChangeSet writes one block's change-set. Records are already
// canonical; the sink batches upserts per table, runs settlement deletes,
// then advances the cursor.
func (s *Sink) ApplyChangeSet(ctx context.Context, cs *models.ChangeSet) error {
	byEntity := make(map[models.EntityType][]models.ChangeRecord)
	for _, r := range cs.Records {
		byEntity[r.Entity] = append(byEntity[r.Entity], r)
	}

	if err := s.writeSettlements(ctx, cs, byEntity[models.EntitySettlement]); err != nil {
		return err
	}
	if err := s.writeActors(ctx, cs, "payers", byEntity[models.EntityPayer], false); err != nil {
		return err
	}
	if err := s.writeActors(ctx, cs, "recipients", byEntity[models.EntityRecipient], false); err != nil {
		return err
	}
	if err := s.writeActors(ctx, cs, "facilitators", byEntity[models.EntityFacilitator], true); err != nil {
		return err
	}
	if err := s.writeDaily(ctx, cs, byEntity[models.EntityDailyStats]); err != nil {
		return err
	}
	if err := s.advanceCursor(ctx, cs); err != nil {
		return err
	}

	s.logger.Debug("change-set applied",
		zap.Uint64("block", cs.BlockNumber),
		zap.String("directive", string(cs.Directive)),
		zap.Int("records", len(cs.Records)),
	)
	return nil
}

func (s *Sink) writeSettlements(ctx context.Context, cs *models.ChangeSet, records []models.ChangeRecord) error {
	var batch driver.Batch
	var deleted bool
	for _, r := range records {
		if r.Op == models.OpDelete {
			// Settlement rows are uniquely identified by the rolled-back
			// block, so one block-scoped removal covers every delete record.
			if deleted {
				continue
			}
			if err := s.Conn.Exec(ctx, "DELETE FROM settlements WHERE block_number = ?", cs.BlockNumber); err != nil {
				return fmt.Errorf("deleting settlements of block %d: %w", cs.BlockNumber, err)
			}
			deleted = true
			continue
		}

		if batch == nil {
			b, err := s.Conn.PrepareBatch(ctx, `INSERT INTO settlements (
				id, block_number, block_timestamp, tx_hash, log_index,
				payer, recipient, token, amount, settlement_type,
				facilitator, nonce, gas_used, gas_price)`)
			if err != nil {
				return fmt.Errorf("preparing settlements batch: %w", err)
			}
			batch = b
		}

		f := r.Fields
		ts, err := time.Parse(time.DateTime, f["block_timestamp"])
		if err != nil {
			return fmt.Errorf("settlement %s: bad timestamp: %w", r.Key, err)
		}
		err = batch.Append(
			r.Key,
			mustUint(f["block_number"]),
			ts,
			f["tx_hash"],
			uint32(mustUint(f["log_index"])),
			f["payer"],
			f["recipient"],
			f["token"],
			mustBig(f["amount"]),
			f["settlement_type"],
			f["facilitator"],
			f["nonce"],
			mustUint(f["gas_used"]),
			mustBig(f["gas_price"]),
		)
		if err != nil {
			return fmt.Errorf("appending settlement %s: %w", r.Key, err)
		}
	}
	if batch != nil {
		if err := batch.Send(); err != nil {
			return fmt.Errorf("sending settlements batch: %w", err)
		}
	}
	return nil
}

func (s *Sink) writeActors(ctx context.Context, cs *models.ChangeSet, table string, records []models.ChangeRecord, withGas bool) error {
	if len(records) == 0 {
		return nil
	}
	columns := "address, total_amount, total_count, first_seen_block, last_seen_block, updated_block"
	if withGas {
		columns = "address, total_amount, total_count, total_gas, first_seen_block, last_seen_block, updated_block"
	}
	batch, err := s.Conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", table, columns))
	if err != nil {
		return fmt.Errorf("preparing %s batch: %w", table, err)
	}
	for _, r := range records {
		f := r.Fields
		args := []any{r.Key, mustBig(f["total_amount"]), mustUint(f["total_count"])}
		if withGas {
			args = append(args, mustBig(f["total_gas"]))
		}
		args = append(args, mustUint(f["first_seen_block"]), mustUint(f["last_seen_block"]), cs.BlockNumber)
		if err := batch.Append(args...); err != nil {
			return fmt.Errorf("appending %s %s: %w", table, r.Key, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending %s batch: %w", table, err)
	}
	return nil
}

func (s *Sink) writeDaily(ctx context.Context, cs *models.ChangeSet, records []models.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.Conn.PrepareBatch(ctx, `INSERT INTO daily_stats (
		date, volume, settlement_count, unique_payers, unique_recipients, updated_block)`)
	if err != nil {
		return fmt.Errorf("preparing daily_stats batch: %w", err)
	}
	for _, r := range records {
		date, err := time.Parse(time.DateOnly, r.Key)
		if err != nil {
			return fmt.Errorf("daily_stats %s: bad date: %w", r.Key, err)
		}
		f := r.Fields
		err = batch.Append(
			date,
			mustBig(f["volume"]),
			mustUint(f["settlement_count"]),
			mustUint(f["unique_payers"]),
			mustUint(f["unique_recipients"]),
			cs.BlockNumber,
		)
		if err != nil {
			return fmt.Errorf("appending daily_stats %s: %w", r.Key, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending daily_stats batch: %w", err)
	}
	return nil
}

func (s *Sink) advanceCursor(ctx context.Context, cs *models.ChangeSet) error {
	last := cs.BlockNumber
	if cs.Directive == models.DirectiveUndo && last > 0 {
		last--
	}
	err := s.Conn.Exec(ctx,
		"INSERT INTO pipeline_cursor (id, last_block, directive, updated_at) VALUES (1, ?, ?, ?)",
		last, string(cs.Directive), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("advancing cursor: %w", err)
	}
	return nil
}

// LastAppliedBlock returns the cursor position, with ok=false on an empty store.
func (s *Sink) LastAppliedBlock(ctx context.Context) (uint64, bool, error) {
	var last uint64
	row := s.Conn.QueryRow(ctx, "SELECT last_block FROM pipeline_cursor FINAL WHERE id = 1")
	if err := row.Scan(&last); err != nil {
		// An empty cursor table is a fresh deployment, not an error.
		return 0, false, nil
	}
	return last, true, nil
}

func mustUint(v string) uint64 {
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

func mustBig(v string) *big.Int {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}
