// Copyright 2019 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package changesets persists the changeset graph rows in MySQL: one
// row per changeset with its generation, one ordered row per parent
// edge. Reads prefer a replica and fall back to the primary; hot
// concurrent reads rendezvous into shared queries.
package changesets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/scmlab/revstore/hash"
)

const (
	createChangesetsTable = `CREATE TABLE IF NOT EXISTS changesets (
  repo_id BIGINT UNSIGNED NOT NULL,
  cs_id BINARY(20) NOT NULL,
  gen BIGINT UNSIGNED NOT NULL,
  PRIMARY KEY (repo_id, cs_id)
)`

	createParentsTable = `CREATE TABLE IF NOT EXISTS changeset_parents (
  repo_id BIGINT UNSIGNED NOT NULL,
  cs_id BINARY(20) NOT NULL,
  parent_seq SMALLINT UNSIGNED NOT NULL,
  parent_id BINARY(20) NOT NULL,
  PRIMARY KEY (repo_id, cs_id, parent_seq),
  KEY parent_idx (repo_id, parent_id)
)`

	mysqlDupEntry = 1062
)

// Changeset is one stored row plus its ordered parent edges.
type Changeset struct {
	ID      hash.Hash
	Parents []hash.Hash
	Gen     uint64
}

// Equal reports whether two records carry the same payload.
func (c Changeset) Equal(o Changeset) bool {
	if c.ID != o.ID || c.Gen != o.Gen || len(c.Parents) != len(o.Parents) {
		return false
	}
	for i := range c.Parents {
		if c.Parents[i] != o.Parents[i] {
			return false
		}
	}
	return true
}

// Backend is the persistence boundary of the store. Insert writes all
// records in one transaction and surfaces unique key collisions as
// ErrDuplicateKey.
type Backend interface {
	ReadReplica(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error)
	ReadPrimary(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error)
	Insert(ctx context.Context, recs []Changeset) error
}

// SQLBackend persists one repository's changesets through a primary
// connection and an optional read replica. With no replica, reads go
// to the primary. Tables are shared across repositories and scoped by
// repo id.
type SQLBackend struct {
	primary *sql.DB
	replica *sql.DB
	repoID  uint64
}

// NewSQLBackend wraps open connections. |replica| may be nil.
func NewSQLBackend(primary, replica *sql.DB, repoID uint64) *SQLBackend {
	if replica == nil {
		replica = primary
	}
	return &SQLBackend{primary: primary, replica: replica, repoID: repoID}
}

// Setup creates the schema on the primary.
func (b *SQLBackend) Setup(ctx context.Context) error {
	for _, ddl := range []string{createChangesetsTable, createParentsTable} {
		if _, err := b.primary.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating changeset schema: %w", err)
		}
	}
	return nil
}

func (b *SQLBackend) ReadReplica(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error) {
	return readChangesets(ctx, b.replica, b.repoID, ids)
}

func (b *SQLBackend) ReadPrimary(ctx context.Context, ids []hash.Hash) (map[hash.Hash]Changeset, error) {
	return readChangesets(ctx, b.primary, b.repoID, ids)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(repoID uint64, ids []hash.Hash) []interface{} {
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, repoID)
	for _, id := range ids {
		args = append(args, id[:])
	}
	return args
}

func scanID(raw []byte) (hash.Hash, error) {
	if len(raw) != hash.ByteLen {
		return hash.Hash{}, fmt.Errorf("cs_id column holds %d bytes, want %d", len(raw), hash.ByteLen)
	}
	return hash.New(raw), nil
}

func readChangesets(ctx context.Context, db *sql.DB, repoID uint64, ids []hash.Hash) (map[hash.Hash]Changeset, error) {
	if len(ids) == 0 {
		return map[hash.Hash]Changeset{}, nil
	}

	out := make(map[hash.Hash]Changeset, len(ids))

	q := "SELECT cs_id, gen FROM changesets WHERE repo_id = ? AND cs_id IN (" + placeholders(len(ids)) + ")"
	rows, err := db.QueryContext(ctx, q, idArgs(repoID, ids)...)
	if err != nil {
		return nil, fmt.Errorf("selecting changesets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		var gen uint64
		if err := rows.Scan(&raw, &gen); err != nil {
			return nil, err
		}
		id, err := scanID(raw)
		if err != nil {
			return nil, err
		}
		out[id] = Changeset{ID: id, Gen: gen}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return out, nil
	}

	found := make([]hash.Hash, 0, len(out))
	for id := range out {
		found = append(found, id)
	}
	q = "SELECT cs_id, parent_id FROM changeset_parents WHERE repo_id = ? AND cs_id IN (" +
		placeholders(len(found)) + ") ORDER BY cs_id, parent_seq"
	prows, err := db.QueryContext(ctx, q, idArgs(repoID, found)...)
	if err != nil {
		return nil, fmt.Errorf("selecting changeset parents: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var rawID, rawParent []byte
		if err := prows.Scan(&rawID, &rawParent); err != nil {
			return nil, err
		}
		id, err := scanID(rawID)
		if err != nil {
			return nil, err
		}
		parent, err := scanID(rawParent)
		if err != nil {
			return nil, err
		}
		rec := out[id]
		rec.Parents = append(rec.Parents, parent)
		out[id] = rec
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Insert writes |recs| and their parent edges in one transaction. A
// duplicate primary key aborts the whole transaction and surfaces as
// ErrDuplicateKey for the store to arbitrate.
func (b *SQLBackend) Insert(ctx context.Context, recs []Changeset) error {
	tx, err := b.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning changeset insert: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO changesets (repo_id, cs_id, gen) VALUES (?, ?, ?)",
			b.repoID, rec.ID[:], rec.Gen); err != nil {
			return mapInsertErr(err)
		}
		for seq, p := range rec.Parents {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO changeset_parents (repo_id, cs_id, parent_seq, parent_id) VALUES (?, ?, ?, ?)",
				b.repoID, rec.ID[:], seq, p[:]); err != nil {
				return mapInsertErr(err)
			}
		}
	}
	return tx.Commit()
}

func mapInsertErr(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDupEntry {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return fmt.Errorf("inserting changeset: %w", err)
}
