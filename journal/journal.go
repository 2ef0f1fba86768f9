// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal keeps a durable record of instance lifecycle changes:
// creation, starts, stops, initializations and deletion.  It outlives the
// in-memory event log, so operators can ask what happened to an instance
// before the daemon was last restarted.
package journal

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_v1 (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS lifecycle_v1_instance ON lifecycle_v1 (instance_id, ts);
`

// Kinds of entries.
const (
	KindCreated     = "created"
	KindDeleted     = "deleted"
	KindStatus      = "status"
	KindInitialized = "initialized"
	KindInitFailed  = "init_failed"
)

// DefaultLimit bounds History when no limit is given.
const DefaultLimit = 100

type Entry struct {
	ID         string    `json:"id" db:"id"`
	InstanceID string    `json:"instanceId" db:"instance_id"`
	Kind       string    `json:"kind" db:"kind"`
	Detail     string    `json:"detail" db:"detail"`
	Time       time.Time `json:"time" db:"ts"`
}

type Journal struct {
	db     *sqlx.DB
	logger *logrus.Entry
}

// Open opens or creates the journal database at path.  Use ":memory:" for
// a journal that lives only as long as the process.
func Open(path string) (*Journal, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal %s", path)
	}
	// sqlite allows one writer; serializing here avoids busy errors.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create journal schema")
	}
	return &Journal{
		db:     db,
		logger: logrus.WithField("component", "journal"),
	}, nil
}

// Record adds an entry for an instance.
func (j *Journal) Record(instanceID, kind, detail string) error {
	e := Entry{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Kind:       kind,
		Detail:     detail,
		Time:       time.Now().UTC(),
	}
	_, err := j.db.NamedExec(`
	INSERT INTO lifecycle_v1 (id, instance_id, kind, detail, ts)
	VALUES (:id, :instance_id, :kind, :detail, :ts)`, &e)
	if err != nil {
		return errors.Wrap(err, "failed to record journal entry")
	}
	return nil
}

// History returns up to limit entries for an instance, newest first.
func (j *Journal) History(instanceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rv := []Entry{}
	err := j.db.Select(&rv, `
	SELECT id, instance_id, kind, detail, ts FROM lifecycle_v1
	WHERE instance_id = $1
	ORDER BY ts DESC, rowid DESC
	LIMIT $2`, instanceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read journal")
	}
	return rv, nil
}

// Prune removes entries older than the given time, and returns how many
// went.
func (j *Journal) Prune(before time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM lifecycle_v1 WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune journal")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Infof("pruned %d entries", n)
	}
	return n, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
