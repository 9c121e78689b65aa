package postgres

import "context"

// Truncate empties every table. Test use only.
func Truncate(ctx context.Context, s *Store) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE ledger_entries, batches, medicines RESTART IDENTITY`)
	return err
}
