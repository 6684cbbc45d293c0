package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Begin opens the transaction guard the reactor holds for one loop
// iteration (spec.md §4.6 "Transaction boundaries"). Operations called
// while a guard is open are folded into it; Commit or Rollback ends it.
func (s *Store) Begin() error {
	if s.tx != nil {
		return fmt.Errorf("store: transaction already open")
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the open transaction guard.
func (s *Store) Commit() error {
	if s.tx == nil {
		return fmt.Errorf("store: no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback discards the open transaction guard and everything folded into
// it. The reactor calls it only after a failed Commit.
func (s *Store) Rollback() error {
	if s.tx == nil {
		return fmt.Errorf("store: no open transaction")
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback()
}

// withTx runs fn against the open transaction guard if one is active,
// otherwise opens a short-lived writable transaction for the single call.
func (s *Store) withTx(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.Update(fn)
}

// withView runs fn against the open transaction guard if one is active
// (so reads observe uncommitted work in the same guard, per spec.md §5's
// "read-while-write within the same transaction"), otherwise opens a
// short-lived read-only transaction.
func (s *Store) withView(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.View(fn)
}
