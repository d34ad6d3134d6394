// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state persists operator-supplied policy and blocklist entries
// so they survive a restart. Scorer-inserted blocks are deliberately not
// persisted: they are short-lived and the scorer re-derives them from
// live traffic.
package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/breakwater/internal/engine/policy"
	"grimm.is/breakwater/internal/engine/types"
)

// Store handles persistence of engine configuration to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the state database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS policies (
		rule_id TEXT PRIMARY KEY,
		prefix TEXT NOT NULL, -- CIDR
		action INTEGER NOT NULL,
		inspect_level INTEGER NOT NULL DEFAULT 0,
		rate_class TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL -- Unix timestamp
	);
	CREATE TABLE IF NOT EXISTS blocklist (
		address TEXT PRIMARY KEY, -- address or CIDR
		prefix_len INTEGER NOT NULL,
		expires_at INTEGER NOT NULL, -- Unix timestamp, 0 = permanent
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocklist_expires ON blocklist(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SavePolicy upserts one policy rule by rule ID.
func (s *Store) SavePolicy(r policy.Rule) error {
	query := `
		INSERT INTO policies (rule_id, prefix, action, inspect_level, rate_class, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			prefix = excluded.prefix,
			action = excluded.action,
			inspect_level = excluded.inspect_level,
			rate_class = excluded.rate_class,
			updated_at = excluded.updated_at
	`
	cidr := fmt.Sprintf("%s/%d", types.Uint32ToIP(r.Prefix), r.PrefixLen)
	_, err := s.db.Exec(query, r.RuleID, cidr, r.Action, r.InspectLevel, r.RateClass, time.Now().Unix())
	return err
}

// DeletePolicy removes a policy rule.
func (s *Store) DeletePolicy(ruleID string) error {
	_, err := s.db.Exec(`DELETE FROM policies WHERE rule_id = ?`, ruleID)
	return err
}

// LoadPolicies returns all persisted policy rules.
func (s *Store) LoadPolicies() ([]policy.Rule, error) {
	rows, err := s.db.Query(`SELECT rule_id, prefix, action, inspect_level, rate_class FROM policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []policy.Rule
	for rows.Next() {
		var (
			ruleID, cidr, rateClass string
			action, inspectLevel    uint8
		)
		if err := rows.Scan(&ruleID, &cidr, &action, &inspectLevel, &rateClass); err != nil {
			return nil, err
		}
		prefix, prefixLen, err := policy.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("corrupt policy row %s: %w", ruleID, err)
		}
		rules = append(rules, policy.Rule{
			RuleID:       ruleID,
			Prefix:       prefix,
			PrefixLen:    prefixLen,
			Action:       types.Action(action),
			InspectLevel: inspectLevel,
			RateClass:    rateClass,
		})
	}
	return rules, rows.Err()
}

// BlockEntry is one persisted blocklist row.
type BlockEntry struct {
	Address   string    `json:"address"`
	PrefixLen uint8     `json:"prefix_len"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// SaveBlock upserts one blocklist entry. A zero expiry persists a
// permanent block.
func (s *Store) SaveBlock(e BlockEntry) error {
	var expires int64
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt.Unix()
	}
	query := `
		INSERT INTO blocklist (address, prefix_len, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			prefix_len = excluded.prefix_len,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, e.Address, e.PrefixLen, expires, time.Now().Unix())
	return err
}

// DeleteBlock removes a blocklist entry.
func (s *Store) DeleteBlock(address string) error {
	_, err := s.db.Exec(`DELETE FROM blocklist WHERE address = ?`, address)
	return err
}

// LoadBlocklist returns persisted entries still valid at now.
func (s *Store) LoadBlocklist(now time.Time) ([]BlockEntry, error) {
	rows, err := s.db.Query(
		`SELECT address, prefix_len, expires_at FROM blocklist WHERE expires_at = 0 OR expires_at > ?`,
		now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BlockEntry
	for rows.Next() {
		var (
			e       BlockEntry
			expires int64
		)
		if err := rows.Scan(&e.Address, &e.PrefixLen, &expires); err != nil {
			return nil, err
		}
		if expires != 0 {
			e.ExpiresAt = time.Unix(expires, 0)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneExpired deletes rows whose expiry has passed, returning the number
// removed.
func (s *Store) PruneExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM blocklist WHERE expires_at != 0 AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
