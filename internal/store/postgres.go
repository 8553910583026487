package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

// Schema creates the tables PostgresStore needs. Token amounts and 128-bit
// aggregates are stored as NUMERIC so no value is ever rounded.
const Schema = `
CREATE TABLE IF NOT EXISTS vaults (
	mint                    TEXT PRIMARY KEY,
	decimals                SMALLINT NOT NULL,
	is_stable               BOOLEAN NOT NULL,
	has_dynamic_fees        BOOLEAN NOT NULL,
	max_leverage            NUMERIC(20,0) NOT NULL,
	cache_index             INTEGER NOT NULL UNIQUE,
	deposits                NUMERIC(39,0) NOT NULL,
	reserved                NUMERIC(39,0) NOT NULL,
	debt_amount             NUMERIC(39,0) NOT NULL,
	guaranteed_usd          NUMERIC(39,0) NOT NULL,
	cumulative_funding_rate NUMERIC(39,0) NOT NULL,
	last_funding_update     BIGINT NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL,
	CHECK (reserved <= deposits)
);

CREATE TABLE IF NOT EXISTS vault_caches (
	mint                  TEXT PRIMARY KEY REFERENCES vaults (mint) ON DELETE CASCADE,
	oracle_type           TEXT NOT NULL,
	oracle_threshold      JSONB NOT NULL,
	oracle_price          NUMERIC(20,0) NOT NULL,
	oracle_lower          NUMERIC(20,0) NOT NULL,
	oracle_upper          NUMERIC(20,0) NOT NULL,
	oracle_bounded        BOOLEAN NOT NULL,
	oracle_updated_at     BIGINT NOT NULL,
	long_open_interest    NUMERIC(39,0) NOT NULL,
	short_open_interest   NUMERIC(39,0) NOT NULL,
	long_avg_entry_price  NUMERIC(20,0) NOT NULL,
	short_avg_entry_price NUMERIC(20,0) NOT NULL,
	funding_index         NUMERIC(39,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id                   TEXT PRIMARY KEY,
	authority            TEXT NOT NULL,
	mint                 TEXT NOT NULL REFERENCES vaults (mint),
	collateral           NUMERIC(20,0) NOT NULL,
	size                 NUMERIC(20,0) NOT NULL,
	reserved             NUMERIC(20,0) NOT NULL,
	guaranteed_usd       NUMERIC(39,0) NOT NULL,
	avg_entry_price      NUMERIC(20,0) NOT NULL,
	direction            TEXT NOT NULL,
	last_funding_index   NUMERIC(39,0) NOT NULL,
	last_funding_payment BIGINT NOT NULL,
	opened_at            TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_authority_idx ON positions (authority, mint);

CREATE TABLE IF NOT EXISTS registry (
	id            SMALLINT PRIMARY KEY CHECK (id = 1),
	weights       JSONB NOT NULL,
	total_weights NUMERIC(20,0) NOT NULL,
	lp_supply     NUMERIC(39,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS fee_config (
	id       SMALLINT PRIMARY KEY CHECK (id = 1),
	schedule JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS journal (
	id          UUID PRIMARY KEY,
	op          TEXT NOT NULL,
	mint        TEXT NOT NULL,
	authority   TEXT NOT NULL,
	position_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_mint_idx ON journal (mint, timestamp);
CREATE INDEX IF NOT EXISTS journal_authority_idx ON journal (authority, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All token amounts are stored as NUMERIC and travel as decimal strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const vaultColumns = `mint, decimals, is_stable, has_dynamic_fees, max_leverage::TEXT, cache_index,
	deposits::TEXT, reserved::TEXT, debt_amount::TEXT, guaranteed_usd::TEXT,
	cumulative_funding_rate::TEXT, last_funding_update, created_at`

func (s *PostgresStore) GetVault(ctx context.Context, mint string) (*model.Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE mint = $1`, mint))
	if err != nil {
		return nil, fmt.Errorf("get vault %s: %w", mint, notFound(err))
	}
	return v, nil
}

func (s *PostgresStore) ListVaults(ctx context.Context) ([]model.Vault, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+vaultColumns+` FROM vaults ORDER BY cache_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []model.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, *v)
	}
	return vaults, rows.Err()
}

const cacheColumns = `mint, oracle_type, oracle_threshold, oracle_price::TEXT, oracle_lower::TEXT,
	oracle_upper::TEXT, oracle_bounded, oracle_updated_at, long_open_interest::TEXT,
	short_open_interest::TEXT, long_avg_entry_price::TEXT, short_avg_entry_price::TEXT,
	funding_index::TEXT`

func (s *PostgresStore) GetVaultCache(ctx context.Context, mint string) (*model.VaultCache, error) {
	var (
		c                                    model.VaultCache
		threshold                            []byte
		price, lower, upper, longOI, shortOI string
		longAvg, shortAvg, fundingIndex      string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+cacheColumns+` FROM vault_caches WHERE mint = $1`, mint).
		Scan(&c.Mint, &c.OracleType, &threshold, &price, &lower,
			&upper, &c.OracleBounded, &c.OracleUpdatedAt, &longOI,
			&shortOI, &longAvg, &shortAvg,
			&fundingIndex)
	if err != nil {
		return nil, fmt.Errorf("get vault cache %s: %w", mint, notFound(err))
	}

	var d decoder
	c.OraclePrice = d.u64(price)
	c.OracleLower = d.u64(lower)
	c.OracleUpper = d.u64(upper)
	c.LongOpenInterest = d.u256(longOI)
	c.ShortOpenInterest = d.u256(shortOI)
	c.LongAvgEntryPrice = d.u64(longAvg)
	c.ShortAvgEntryPrice = d.u64(shortAvg)
	c.FundingIndex = d.u256(fundingIndex)
	if d.err == nil {
		d.err = json.Unmarshal(threshold, &c.OracleThreshold)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode vault cache %s: %w", mint, d.err)
	}
	return &c, nil
}

const positionColumns = `id, authority, mint, collateral::TEXT, size::TEXT, reserved::TEXT,
	guaranteed_usd::TEXT, avg_entry_price::TEXT, direction, last_funding_index::TEXT,
	last_funding_payment, opened_at, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE ($1 = '' OR authority = $1) AND ($2 = '' OR mint = $2)
		 ORDER BY opened_at`, f.Authority, f.Mint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetRegistry(ctx context.Context) (*model.Registry, error) {
	var (
		weights             []byte
		totalWeights, lpSup string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT weights, total_weights::TEXT, lp_supply::TEXT FROM registry WHERE id = 1`).
		Scan(&weights, &totalWeights, &lpSup)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registry: %w", err)
	}

	r := model.NewRegistry()
	var d decoder
	r.TotalWeights = d.u64(totalWeights)
	r.LPSupply = d.u256(lpSup)
	if d.err == nil {
		d.err = json.Unmarshal(weights, &r.Weights)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode registry: %w", d.err)
	}
	return r, nil
}

func (s *PostgresStore) GetConfig(ctx context.Context) (*model.Config, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT schedule FROM fee_config WHERE id = 1`).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", notFound(err))
	}
	var c model.Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetJournalByMint(ctx context.Context, mint string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, op, mint, authority, position_id, kind, payload, timestamp
		 FROM journal WHERE mint = $1 ORDER BY timestamp`, mint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournal(rows)
}

func (s *PostgresStore) GetJournalByAuthority(ctx context.Context, authority string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, op, mint, authority, position_id, kind, payload, timestamp
		 FROM journal WHERE authority = $1 ORDER BY timestamp`, authority)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournal(rows)
}

// Commit applies cs in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *model.Changeset) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	for _, v := range cs.Vaults {
		if err := upsertVault(ctx, tx, v); err != nil {
			return fmt.Errorf("upsert vault %s: %w", v.Mint, err)
		}
	}
	for _, c := range cs.Caches {
		if err := upsertCache(ctx, tx, c); err != nil {
			return fmt.Errorf("upsert vault cache %s: %w", c.Mint, err)
		}
	}
	for _, p := range cs.NewPositions {
		if err := insertPosition(ctx, tx, p); err != nil {
			return fmt.Errorf("insert position %s: %w", p.ID, err)
		}
	}
	for _, p := range cs.Positions {
		if err := upsertPosition(ctx, tx, p); err != nil {
			return fmt.Errorf("upsert position %s: %w", p.ID, err)
		}
	}
	for _, id := range cs.DeletedPositions {
		if err := deleteOne(ctx, tx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete position %s: %w", id, err)
		}
	}
	for _, mint := range cs.DeletedVaults {
		if err := deleteOne(ctx, tx, `DELETE FROM vaults WHERE mint = $1`, mint); err != nil {
			return fmt.Errorf("delete vault %s: %w", mint, err)
		}
	}
	if r := cs.Registry; r != nil {
		weights, err := json.Marshal(r.Weights)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO registry (id, weights, total_weights, lp_supply)
			 VALUES (1, $1::JSONB, $2::NUMERIC, $3::NUMERIC)
			 ON CONFLICT (id) DO UPDATE
			 SET weights = EXCLUDED.weights, total_weights = EXCLUDED.total_weights, lp_supply = EXCLUDED.lp_supply`,
			string(weights), strconv.FormatUint(r.TotalWeights, 10), r.LPSupply.Dec())
		if err != nil {
			return fmt.Errorf("upsert registry: %w", err)
		}
	}
	if c := cs.Config; c != nil {
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO fee_config (id, schedule) VALUES (1, $1::JSONB)
			 ON CONFLICT (id) DO UPDATE SET schedule = EXCLUDED.schedule`, string(raw))
		if err != nil {
			return fmt.Errorf("upsert config: %w", err)
		}
	}
	for _, e := range cs.Journal {
		_, err := tx.Exec(ctx,
			`INSERT INTO journal (id, op, mint, authority, position_id, kind, payload, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8)`,
			e.ID, e.Op, e.Mint, e.Authority, e.PositionID, e.Kind, string(e.Payload), e.Timestamp)
		if err != nil {
			return fmt.Errorf("insert journal entry %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func upsertVault(ctx context.Context, tx pgx.Tx, v *model.Vault) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO vaults (mint, decimals, is_stable, has_dynamic_fees, max_leverage, cache_index,
		                     deposits, reserved, debt_amount, guaranteed_usd,
		                     cumulative_funding_rate, last_funding_update, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12, $13)
		 ON CONFLICT (mint) DO UPDATE
		 SET deposits = EXCLUDED.deposits, reserved = EXCLUDED.reserved,
		     debt_amount = EXCLUDED.debt_amount, guaranteed_usd = EXCLUDED.guaranteed_usd,
		     cumulative_funding_rate = EXCLUDED.cumulative_funding_rate,
		     last_funding_update = EXCLUDED.last_funding_update`,
		v.Mint, int16(v.Decimals), v.IsStable, v.HasDynamicFees, strconv.FormatUint(v.MaxLeverage, 10), int32(v.CacheIndex),
		v.Deposits.Dec(), v.Reserved.Dec(), v.DebtAmount.Dec(), v.GuaranteedUSD.Dec(),
		v.CumulativeFundingRate.Dec(), v.LastFundingUpdate, v.CreatedAt,
	)
	return err
}

func upsertCache(ctx context.Context, tx pgx.Tx, c *model.VaultCache) error {
	threshold, err := json.Marshal(c.OracleThreshold)
	if err != nil {
		return err
	}
	u := func(x uint64) string { return strconv.FormatUint(x, 10) }
	_, err = tx.Exec(ctx,
		`INSERT INTO vault_caches (mint, oracle_type, oracle_threshold, oracle_price, oracle_lower,
		                           oracle_upper, oracle_bounded, oracle_updated_at, long_open_interest,
		                           short_open_interest, long_avg_entry_price, short_avg_entry_price,
		                           funding_index)
		 VALUES ($1, $2, $3::JSONB, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC)
		 ON CONFLICT (mint) DO UPDATE
		 SET oracle_threshold = EXCLUDED.oracle_threshold,
		     oracle_price = EXCLUDED.oracle_price, oracle_lower = EXCLUDED.oracle_lower,
		     oracle_upper = EXCLUDED.oracle_upper, oracle_bounded = EXCLUDED.oracle_bounded,
		     oracle_updated_at = EXCLUDED.oracle_updated_at,
		     long_open_interest = EXCLUDED.long_open_interest,
		     short_open_interest = EXCLUDED.short_open_interest,
		     long_avg_entry_price = EXCLUDED.long_avg_entry_price,
		     short_avg_entry_price = EXCLUDED.short_avg_entry_price,
		     funding_index = EXCLUDED.funding_index`,
		c.Mint, string(c.OracleType), string(threshold), u(c.OraclePrice), u(c.OracleLower),
		u(c.OracleUpper), c.OracleBounded, c.OracleUpdatedAt, c.LongOpenInterest.Dec(),
		c.ShortOpenInterest.Dec(), u(c.LongAvgEntryPrice), u(c.ShortAvgEntryPrice),
		c.FundingIndex.Dec(),
	)
	return err
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	u := func(x uint64) string { return strconv.FormatUint(x, 10) }
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (id, authority, mint, collateral, size, reserved, guaranteed_usd,
		                        avg_entry_price, direction, last_funding_index, last_funding_payment,
		                        opened_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		         $10::NUMERIC, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE
		 SET collateral = EXCLUDED.collateral, size = EXCLUDED.size, reserved = EXCLUDED.reserved,
		     guaranteed_usd = EXCLUDED.guaranteed_usd, avg_entry_price = EXCLUDED.avg_entry_price,
		     last_funding_index = EXCLUDED.last_funding_index,
		     last_funding_payment = EXCLUDED.last_funding_payment,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.Authority, p.Mint, u(p.Collateral), u(p.Size), u(p.Reserved), p.GuaranteedUSD.Dec(),
		u(p.AvgEntryPrice), string(p.Direction), p.LastFundingIndex.Dec(), p.LastFundingPayment,
		p.OpenedAt, p.UpdatedAt,
	)
	return err
}

// uniqueViolation is the SQLSTATE of a duplicate primary key.
const uniqueViolation = "23505"

// insertPosition adds a new position. It never overwrites: a taken ID is
// model.ErrAlreadyExists.
func insertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	u := func(x uint64) string { return strconv.FormatUint(x, 10) }
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (id, authority, mint, collateral, size, reserved, guaranteed_usd,
		                        avg_entry_price, direction, last_funding_index, last_funding_payment,
		                        opened_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		         $10::NUMERIC, $11, $12, $13)`,
		p.ID, p.Authority, p.Mint, u(p.Collateral), u(p.Size), u(p.Reserved), p.GuaranteedUSD.Dec(),
		u(p.AvgEntryPrice), string(p.Direction), p.LastFundingIndex.Dec(), p.LastFundingPayment,
		p.OpenedAt, p.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.ErrAlreadyExists
	}
	return err
}

func deleteOne(ctx context.Context, tx pgx.Tx, sql, key string) error {
	tag, err := tx.Exec(ctx, sql, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanVault(row scanner) (*model.Vault, error) {
	var (
		v                                      model.Vault
		decimals                               int16
		cacheIndex                             int32
		maxLev, deposits, reserved, debt, gusd string
		cumulative                             string
	)
	if err := row.Scan(&v.Mint, &decimals, &v.IsStable, &v.HasDynamicFees, &maxLev, &cacheIndex,
		&deposits, &reserved, &debt, &gusd,
		&cumulative, &v.LastFundingUpdate, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Decimals, v.CacheIndex = uint8(decimals), uint16(cacheIndex)

	var d decoder
	v.MaxLeverage = d.u64(maxLev)
	v.Deposits = d.u256(deposits)
	v.Reserved = d.u256(reserved)
	v.DebtAmount = d.u256(debt)
	v.GuaranteedUSD = d.u256(gusd)
	v.CumulativeFundingRate = d.u256(cumulative)
	if d.err != nil {
		return nil, fmt.Errorf("decode vault %s: %w", v.Mint, d.err)
	}
	return &v, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var (
		p                                            model.Position
		direction                                    string
		collateral, size, reserved, gusd, avg, index string
	)
	if err := row.Scan(&p.ID, &p.Authority, &p.Mint, &collateral, &size, &reserved,
		&gusd, &avg, &direction, &index,
		&p.LastFundingPayment, &p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Direction = model.Direction(direction)

	var d decoder
	p.Collateral = d.u64(collateral)
	p.Size = d.u64(size)
	p.Reserved = d.u64(reserved)
	p.GuaranteedUSD = d.u256(gusd)
	p.AvgEntryPrice = d.u64(avg)
	p.LastFundingIndex = d.u256(index)
	if d.err != nil {
		return nil, fmt.Errorf("decode position %s: %w", p.ID, d.err)
	}
	return &p, nil
}

func scanJournal(rows pgx.Rows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Op, &e.Mint, &e.Authority, &e.PositionID, &e.Kind,
			&payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// decoder parses NUMERIC text columns, keeping the first error.
type decoder struct {
	err error
}

func (d *decoder) u64(s string) uint64 {
	if d.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		d.err = err
	}
	return v
}

func (d *decoder) u256(s string) uint256.Int {
	if d.err != nil {
		return uint256.Int{}
	}
	v, err := fixed.Parse(s)
	if err != nil {
		d.err = err
	}
	return v
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}
