package datalog

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/cryolab/cryoseq/temperature"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	started TIMESTAMP NOT NULL,
	logfile TEXT NOT NULL,
	mode    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS readings (
	run_id  INTEGER NOT NULL REFERENCES runs(id),
	ts      TIMESTAMP NOT NULL,
	step    INTEGER NOT NULL,
	channel INTEGER NOT NULL,
	kelvin  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_run ON readings(run_id, ts);
`

// Archive is a SQLite database that accumulates every run, so that
// runs can be found again long after the CSV files have been moved
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the archive at path
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening archive")
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating archive schema")
	}
	return &Archive{db: db}, nil
}

// Close closes the database
func (a *Archive) Close() error {
	return a.db.Close()
}

// RunInfo describes an archived run
type RunInfo struct {
	ID       int64
	Started  time.Time
	Logfile  string
	Mode     string
	Readings int
}

// NewRun registers a run and returns a Sink that records into it
func (a *Archive) NewRun(logfile, mode string, started time.Time) (*ArchiveRun, error) {
	res, err := a.db.Exec(`INSERT INTO runs (started, logfile, mode) VALUES (?, ?, ?)`,
		started.UTC(), logfile, mode)
	if err != nil {
		return nil, errors.Wrap(err, "registering run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &ArchiveRun{db: a.db, ID: id}, nil
}

// Runs lists the archived runs, oldest first
func (a *Archive) Runs() ([]RunInfo, error) {
	rows, err := a.db.Query(`
		SELECT r.id, r.started, r.logfile, r.mode, COUNT(x.run_id)
		FROM runs r LEFT JOIN readings x ON x.run_id = r.id
		GROUP BY r.id ORDER BY r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunInfo
	for rows.Next() {
		var ri RunInfo
		if err := rows.Scan(&ri.ID, &ri.Started, &ri.Logfile, &ri.Mode, &ri.Readings); err != nil {
			return out, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// Readings returns the readings of one channel of a run, oldest first
func (a *Archive) Readings(runID int64, channel int) ([]time.Time, []temperature.Kelvin, error) {
	rows, err := a.db.Query(`SELECT ts, kelvin FROM readings WHERE run_id = ? AND channel = ? ORDER BY ts`,
		runID, channel)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var (
		ts []time.Time
		ks []temperature.Kelvin
	)
	for rows.Next() {
		var (
			t time.Time
			k float64
		)
		if err := rows.Scan(&t, &k); err != nil {
			return ts, ks, err
		}
		ts = append(ts, t)
		ks = append(ks, temperature.Kelvin(k))
	}
	return ts, ks, rows.Err()
}

// ArchiveRun is a Sink writing one run into the archive
type ArchiveRun struct {
	db *sql.DB
	ID int64
}

// Begin is a no-op; channels are stored per reading
func (r *ArchiveRun) Begin(channels []int) error {
	return nil
}

// Record inserts one row per channel in a single transaction
func (r *ArchiveRun) Record(s Sample) error {
	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "archive")
	}
	for i, ch := range s.Channels {
		if i >= len(s.Values) {
			break
		}
		_, err = tx.Exec(`INSERT INTO readings (run_id, ts, step, channel, kelvin) VALUES (?, ?, ?, ?, ?)`,
			r.ID, s.Time.UTC(), s.Step, ch, float64(s.Values[i]))
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "archive")
		}
	}
	return tx.Commit()
}

// Close is a no-op; the Archive owns the database
func (r *ArchiveRun) Close() error {
	return nil
}
