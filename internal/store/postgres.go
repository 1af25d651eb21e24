/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL creates the two tables spec.md S6 defines, idempotently. It is
// applied once at startup, before the seed routine runs.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	id       BIGINT PRIMARY KEY,
	capacity BIGINT NOT NULL,
	used     BIGINT NOT NULL DEFAULT 0,
	CHECK (used >= 0 AND used <= capacity)
);
CREATE TABLE IF NOT EXISTS reservations (
	request_id TEXT PRIMARY KEY,
	node_id    BIGINT NOT NULL REFERENCES nodes(id),
	tokens     BIGINT NOT NULL CHECK (tokens > 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reservations_node_id_idx ON reservations(node_id);
`

// uniqueViolation is Postgres SQLSTATE 23505.
const uniqueViolation = "23505"

// PostgresStore is the production dialect: TryReserve is one transaction
// using SELECT ... FOR UPDATE SKIP LOCKED plus a conditional UPDATE, per
// spec.md S4.1 and S9's "optimistic allocation with pessimistic fallback"
// pattern; Free locks its reservation and node rows with plain FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against databaseURL, sized per poolSize/
// maxOverflow, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string, poolSize, maxOverflow int, poolTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = int32(poolSize + maxOverflow)
	cfg.MinConns = 0
	cfg.HealthCheckPeriod = poolTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) SeedNode(ctx context.Context, id, capacity int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nodes (id, capacity, used) VALUES ($1, $2, 0) ON CONFLICT (id) DO NOTHING`,
		id, capacity,
	)
	if err != nil {
		return fmt.Errorf("store: seed node %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FindReservation(ctx context.Context, requestID string) (Reservation, Node, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, Node{}, false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	r, n, ok, err := findReservationTx(ctx, tx, requestID)
	if err != nil {
		return Reservation{}, Node{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, Node{}, false, fmt.Errorf("store: commit: %w", err)
	}
	return r, n, ok, nil
}

func findReservationTx(ctx context.Context, tx pgx.Tx, requestID string) (Reservation, Node, bool, error) {
	var r Reservation
	var n Node
	err := tx.QueryRow(ctx,
		`SELECT r.request_id, r.node_id, r.tokens, r.created_at, n.id, n.capacity, n.used
		 FROM reservations r JOIN nodes n ON n.id = r.node_id
		 WHERE r.request_id = $1`,
		requestID,
	).Scan(&r.RequestID, &r.NodeID, &r.Tokens, &r.CreatedAt, &n.ID, &n.Capacity, &n.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, Node{}, false, nil
	}
	if err != nil {
		return Reservation{}, Node{}, false, fmt.Errorf("store: find reservation: %w", err)
	}
	return r, n, true, nil
}

func (s *PostgresStore) CandidateNodes(ctx context.Context, tokens int64, descending bool) ([]Node, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, capacity, used FROM nodes
		 WHERE capacity - used >= $1
		 ORDER BY (capacity - used) %s, id ASC`, order),
		tokens,
	)
	if err != nil {
		return nil, fmt.Errorf("store: candidate nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Capacity, &n.Used); err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: candidate nodes: %w", err)
	}
	return out, nil
}

// TryReserve implements spec.md S4.1 steps 3 (for this one candidate), 5,
// 6's zero-rows-affected signal, and 7's unique-collision signal, as one
// transaction: SELECT ... FOR UPDATE SKIP LOCKED on the candidate, a
// conditional UPDATE guarding against a stale snapshot, then the
// reservation insert.
func (s *PostgresStore) TryReserve(ctx context.Context, candidateNodeID int64, requestID string, tokens int64) (Node, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Node{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var n Node
	err = tx.QueryRow(ctx,
		`SELECT id, capacity, used FROM nodes WHERE id = $1 FOR UPDATE SKIP LOCKED`,
		candidateNodeID,
	).Scan(&n.ID, &n.Capacity, &n.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the node doesn't exist, or another transaction holds its
		// lock; both cases look identical to the caller, which retries
		// against the next candidate.
		return Node{}, ErrLockContention
	}
	if err != nil {
		return Node{}, fmt.Errorf("store: lock candidate: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE nodes SET used = used + $1 WHERE id = $2 AND capacity - used >= $1`,
		tokens, candidateNodeID,
	)
	if err != nil {
		return Node{}, fmt.Errorf("store: conditional update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Node{}, ErrLockContention
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reservations (request_id, node_id, tokens) VALUES ($1, $2, $3)`,
		requestID, candidateNodeID, tokens,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Node{}, ErrReservationConflict
		}
		return Node{}, fmt.Errorf("store: insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Node{}, fmt.Errorf("store: commit: %w", err)
	}
	n.Used += tokens
	return n, nil
}

func (s *PostgresStore) Free(ctx context.Context, requestID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var nodeID, tokens int64
	err = tx.QueryRow(ctx,
		`SELECT node_id, tokens FROM reservations WHERE request_id = $1 FOR UPDATE`,
		requestID,
	).Scan(&nodeID, &tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrReservationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: lock reservation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`SELECT id FROM nodes WHERE id = $1 FOR UPDATE`, nodeID,
	); err != nil {
		return 0, fmt.Errorf("store: lock node: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE nodes SET used = GREATEST(used - $1, 0) WHERE id = $2`,
		tokens, nodeID,
	); err != nil {
		return 0, fmt.Errorf("store: credit node: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE request_id = $1`, requestID); err != nil {
		return 0, fmt.Errorf("store: delete reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return nodeID, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) ([]Node, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, capacity, used FROM nodes ORDER BY id ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("store: snapshot nodes: %w", err)
	}
	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Capacity, &n.Used); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("store: scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: snapshot nodes: %w", err)
	}

	var count int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM reservations`).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("store: count reservations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("store: commit: %w", err)
	}
	return nodes, count, nil
}
