package storage

import (
	"context"
	"fmt"
)

// CanActFor reports whether delegateID holds a grant to operate sessions of
// subjectID. Every account may act for itself.
func (db *DB) CanActFor(ctx context.Context, delegateID, subjectID string) (bool, error) {
	if delegateID == subjectID {
		return true, nil
	}
	var ok bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM delegation_grants
		 WHERE delegate_account_id = $1 AND subject_account_id = $2)`,
		delegateID, subjectID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking delegation grant: %w", err)
	}
	return ok, nil
}

// GrantDelegation lets delegateID act for subjectID. Granting twice is a
// no-op.
func (db *DB) GrantDelegation(ctx context.Context, delegateID, subjectID string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO delegation_grants (delegate_account_id, subject_account_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`, delegateID, subjectID)
	if err != nil {
		return fmt.Errorf("granting delegation: %w", err)
	}
	return nil
}
