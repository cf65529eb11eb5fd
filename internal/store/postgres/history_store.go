package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// HistoryStore implements domain.HistoryStore on the listing_history table.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Append inserts one history entry for sessionID.
func (s *HistoryStore) Append(ctx context.Context, sessionID string, e domain.HistoryEntry) error {
	const query = `
		INSERT INTO listing_history
			(session_id, kind, listing_id, display_name, value, account, tx_hash, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		sessionID, string(e.Kind), e.ListingID, e.DisplayName, int64(e.Value), e.Account, e.TxHash, e.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: append history %s/%s: %w", sessionID, e.ListingID, err)
	}
	return nil
}

// List returns the entries of sessionID oldest first. An empty sessionID
// lists every session.
func (s *HistoryStore) List(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.HistoryEntry, error) {
	query, args := historyListQuery(sessionID, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var (
			e     domain.HistoryEntry
			kind  string
			value int64
		)
		if err := rows.Scan(&kind, &e.ListingID, &e.DisplayName, &value, &e.Account, &e.TxHash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		e.Kind = domain.HistoryKind(kind)
		e.Value = uint64(value)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list history rows: %w", err)
	}
	return out, nil
}

func historyListQuery(sessionID string, opts domain.ListOpts) (string, []any) {
	query := `SELECT kind, listing_id, display_name, value, account, tx_hash, occurred_at
		FROM listing_history WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if sessionID != "" {
		query += " AND session_id = " + arg(sessionID)
	}
	if opts.Since != nil {
		query += " AND occurred_at >= " + arg(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND occurred_at <= " + arg(*opts.Until)
	}
	query += " ORDER BY occurred_at ASC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + arg(opts.Offset)
	}
	return query, args
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
