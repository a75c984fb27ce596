package record

import (
	"database/sql"
	"time"

	"github.com/crest-lab/zwscan/scan"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS scans (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		created         TIMESTAMP,
		n_rows          INTEGER,
		n_cols          INTEGER,
		step_um         DOUBLE,
		x0_um           DOUBLE,
		y0_um           DOUBLE,
		model           TEXT,
		serial          TEXT,
		integration_ms  INTEGER,
		laser_mw        DOUBLE
	);
	CREATE TABLE IF NOT EXISTS frames (
		scan_id         INTEGER REFERENCES scans(id),
		seq             INTEGER,
		grid_row        INTEGER,
		grid_col        INTEGER,
		x_um            DOUBLE,
		y_um            DOUBLE,
		captured        TIMESTAMP,
		PRIMARY KEY (scan_id, seq)
	);
	CREATE TABLE IF NOT EXISTS samples (
		scan_id         INTEGER,
		seq             INTEGER,
		pixel           INTEGER,
		intensity       DOUBLE,
		PRIMARY KEY (scan_id, seq, pixel)
	);
`

// DB records frames into an SQLite database.  Every scan gets a row in
// scans; frames and their samples are inserted as they are recorded.
type DB struct {
	*sql.DB

	// ScanID is the id of this scan in the scans table
	ScanID int64
}

// NewDB opens (creating if needed) the database at path and registers a scan
func NewDB(path string, meta Meta) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	created := meta.Created
	if created.IsZero() {
		created = time.Now()
	}
	g := meta.Grid
	res, err := db.Exec(
		`INSERT INTO scans (created, n_rows, n_cols, step_um, x0_um, y0_um, model, serial, integration_ms, laser_mw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.UTC(), g.Rows, g.Columns, g.StepSize, g.X0, g.Y0,
		meta.Instrument.Model, meta.Instrument.Serial, meta.IntegrationMs, meta.LaserPowerMW)
	if err != nil {
		db.Close()
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, ScanID: id}, nil
}

// Record inserts f and its samples in one transaction
func (d *DB) Record(f scan.Frame) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(
		"INSERT INTO frames (scan_id, seq, grid_row, grid_col, x_um, y_um, captured) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.ScanID, f.Seq, f.Row, f.Column, f.X, f.Y, f.Time.UTC())
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO samples (scan_id, seq, pixel, intensity) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for px, v := range f.Intensities {
		if _, err = stmt.Exec(d.ScanID, f.Seq, px, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Spectrum reads back the intensities of frame seq of this scan
func (d *DB) Spectrum(seq int) ([]float64, error) {
	rows, err := d.Query("SELECT intensity FROM samples WHERE scan_id = ? AND seq = ? ORDER BY pixel", d.ScanID, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err = rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
