package localstore

import (
	"context"
	"fmt"
	"time"
)

// CanActFor reports whether delegateID holds a grant to operate sessions of
// subjectID. Every account may act for itself.
func (s *Store) CanActFor(ctx context.Context, delegateID, subjectID string) (bool, error) {
	if delegateID == subjectID {
		return true, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delegation_grants WHERE delegate_account_id = ? AND subject_account_id = ?`,
		delegateID, subjectID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking delegation grant: %w", err)
	}
	return n > 0, nil
}

// GrantDelegation lets delegateID act for subjectID. Granting twice is a
// no-op.
func (s *Store) GrantDelegation(ctx context.Context, delegateID, subjectID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delegation_grants (delegate_account_id, subject_account_id, created_at)
		 VALUES (?, ?, ?)`, delegateID, subjectID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("granting delegation: %w", err)
	}
	return nil
}
