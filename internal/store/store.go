// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists normalized publication records in SQLite and
// enforces the pipeline's consistency rules: one record per identifier,
// forward-only status transitions, and a single active run at a time.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	_ "github.com/mattn/go-sqlite3"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

const (
	storeDir = "store"
	dbFile   = "publications.db"
)

// ErrNotFound is returned by Get for an unknown record ID.
var ErrNotFound = errors.New("record not found")

// ErrRunActive is returned by BeginRun while another run holds the lock.
var ErrRunActive = errors.New("another pipeline run is active")

// ConflictError reports two upserts that disagree on an immutable field of
// the same record. It is surfaced to the caller, never silently resolved.
type ConflictError struct {
	ID    string
	Field string
	Old   string
	New   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s: conflicting %s: %q vs %q", e.ID, e.Field, e.Old, e.New)
}

// UpsertOptions modifies how Upsert merges an incoming record.
type UpsertOptions struct {
	// ForceStatus permits a backward status transition. Used by forced
	// re-fetch runs; every other caller leaves it false.
	ForceStatus bool
}

// Store manages the publication database. All writes are serialized through
// an internal mutex so concurrent pipeline workers cannot interleave
// read-modify-write cycles.
type Store struct {
	db *sql.DB

	mu sync.Mutex // serializes writes

	runMu   sync.Mutex // guards runHeld
	runHeld bool
}

// Open opens or creates the store database at dataDir/store/publications.db,
// creating the schema if it does not exist.
func Open(cfg types.StoreConfig) (*Store, error) {
	dir := filepath.Join(cfg.DataDir, storeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	dbPath := filepath.Join(dir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS publications (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			abstract TEXT NOT NULL DEFAULT '',
			year INTEGER NOT NULL DEFAULT 0,
			authors TEXT NOT NULL DEFAULT '[]',
			journal TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			pubmed_id TEXT NOT NULL DEFAULT '',
			doi TEXT NOT NULL DEFAULT '',
			total_citations INTEGER NOT NULL DEFAULT 0,
			field_labels TEXT NOT NULL DEFAULT '[]',
			fetch_status TEXT NOT NULL,
			error_note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_publications_status ON publications(fetch_status)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state TEXT NOT NULL,
			cursor INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Upsert inserts rec if its ID is absent, otherwise merges it into the
// existing row: non-empty incoming values overwrite stored ones, and the
// status only advances along the lifecycle order unless opts.ForceStatus is
// set. A *ConflictError is returned when the incoming record carries a
// different non-empty title than the stored one.
func (s *Store) Upsert(ctx context.Context, rec *types.PublicationRecord, opts UpsertOptions) error {
	if rec.ID == "" {
		return fmt.Errorf("upsert: record has no ID")
	}
	if !rec.FetchStatus.Valid() {
		return fmt.Errorf("upsert: record %s has invalid status %q", rec.ID, rec.FetchStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getTx(ctx, tx, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	merged := rec
	if existing != nil {
		merged, err = merge(existing, rec, opts)
		if err != nil {
			return err
		}
	}

	if err := writeTx(ctx, tx, merged, existing != nil); err != nil {
		return err
	}
	return tx.Commit()
}

// merge combines an incoming record into the stored one per the dedup
// contract. The stored record is not mutated.
func merge(old, in *types.PublicationRecord, opts UpsertOptions) (*types.PublicationRecord, error) {
	if old.Title != "" && in.Title != "" && normalizeTitle(old.Title) != normalizeTitle(in.Title) {
		return nil, &ConflictError{ID: old.ID, Field: "title", Old: old.Title, New: in.Title}
	}

	out := *old

	if in.Title != "" {
		out.Title = in.Title
	}
	if in.Abstract != "" {
		out.Abstract = in.Abstract
	}
	if in.Year != 0 {
		out.Year = in.Year
	}
	if len(in.Authors) > 0 {
		out.Authors = in.Authors
	}
	if in.Journal != "" {
		out.Journal = in.Journal
	}
	if len(in.Keywords) > 0 {
		out.Keywords = in.Keywords
	}
	if in.PubMedID != "" {
		out.PubMedID = in.PubMedID
	}
	if in.DOI != "" {
		out.DOI = in.DOI
	}
	if in.TotalCitations != 0 {
		out.TotalCitations = in.TotalCitations
	}
	if len(in.FieldLabels) > 0 {
		out.FieldLabels = in.FieldLabels
	}

	// Status advances forward only. A failed incoming status always lands
	// (it records the failure) but keeps the old labels; otherwise a lower
	// or equal rank leaves the stored status in place.
	switch {
	case opts.ForceStatus:
		out.FetchStatus = in.FetchStatus
	case in.FetchStatus == types.StatusFailed:
		out.FetchStatus = types.StatusFailed
	case old.FetchStatus == types.StatusFailed:
		// Recovering from failed: accept any forward state.
		out.FetchStatus = in.FetchStatus
	case in.FetchStatus.Rank() > old.FetchStatus.Rank():
		out.FetchStatus = in.FetchStatus
	default:
		out.FetchStatus = old.FetchStatus
	}

	if in.ErrorNote != "" {
		out.ErrorNote = in.ErrorNote
	} else if out.FetchStatus != types.StatusFailed {
		out.ErrorNote = ""
	}

	return &out, nil
}

func writeTx(ctx context.Context, tx *sql.Tx, rec *types.PublicationRecord, update bool) error {
	labels := append([]string(nil), rec.FieldLabels...)
	sort.Strings(labels)

	authorsJSON, _ := json.Marshal(emptyAsList(rec.Authors))
	keywordsJSON, _ := json.Marshal(emptyAsList(rec.Keywords))
	labelsJSON, _ := json.Marshal(emptyAsList(labels))

	if update {
		_, err := tx.ExecContext(ctx,
			`UPDATE publications SET
				title=?, abstract=?, year=?, authors=?, journal=?, keywords=?,
				pubmed_id=?, doi=?, total_citations=?, field_labels=?,
				fetch_status=?, error_note=?
			 WHERE id=?`,
			rec.Title, rec.Abstract, rec.Year, string(authorsJSON), rec.Journal,
			string(keywordsJSON), rec.PubMedID, rec.DOI, rec.TotalCitations,
			string(labelsJSON), string(rec.FetchStatus), rec.ErrorNote, rec.ID,
		)
		if err != nil {
			return fmt.Errorf("updating record %s: %w", rec.ID, err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO publications
			(id, title, abstract, year, authors, journal, keywords,
			 pubmed_id, doi, total_citations, field_labels, fetch_status, error_note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Abstract, rec.Year, string(authorsJSON),
		rec.Journal, string(keywordsJSON), rec.PubMedID, rec.DOI,
		rec.TotalCitations, string(labelsJSON), string(rec.FetchStatus), rec.ErrorNote,
	)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", rec.ID, err)
	}
	return nil
}

// emptyAsList keeps JSON serialization deterministic: nil and empty slices
// both marshal as [].
func emptyAsList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const recordColumns = `id, title, abstract, year, authors, journal, keywords,
	pubmed_id, doi, total_citations, field_labels, fetch_status, error_note`

func scanRecord(row interface{ Scan(...any) error }) (*types.PublicationRecord, error) {
	var rec types.PublicationRecord
	var authors, keywords, labels string
	err := row.Scan(
		&rec.ID, &rec.Title, &rec.Abstract, &rec.Year, &authors, &rec.Journal,
		&keywords, &rec.PubMedID, &rec.DOI, &rec.TotalCitations, &labels,
		&rec.FetchStatus, &rec.ErrorNote,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(authors), &rec.Authors); err != nil {
		return nil, fmt.Errorf("record %s: decoding authors: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(keywords), &rec.Keywords); err != nil {
		return nil, fmt.Errorf("record %s: decoding keywords: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(labels), &rec.FieldLabels); err != nil {
		return nil, fmt.Errorf("record %s: decoding field labels: %w", rec.ID, err)
	}
	return &rec, nil
}

// Get returns the record with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*types.PublicationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM publications WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns records in insertion order, optionally filtered by status.
// An empty status returns every record. The order is stable across calls.
func (s *Store) List(ctx context.Context, status types.FetchStatus) ([]*types.PublicationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM publications ORDER BY seq`
	args := []any{}
	if status != "" {
		query = `SELECT ` + recordColumns + ` FROM publications WHERE fetch_status = ? ORDER BY seq`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []*types.PublicationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Each streams every record in insertion order to fn, stopping on the first
// error. Iteration is restartable: a fresh call starts over from the
// beginning in the same stable order.
func (s *Store) Each(ctx context.Context, fn func(*types.PublicationRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM publications ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("iterating records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Counts returns the number of records per status.
func (s *Store) Counts(ctx context.Context) (map[types.FetchStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fetch_status, COUNT(*) FROM publications GROUP BY fetch_status`)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.FetchStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.FetchStatus(status)] = n
	}
	return counts, rows.Err()
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*types.PublicationRecord, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM publications WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// normalizeTitle lowercases and strips punctuation so that cosmetic
// variations of the same title do not register as conflicts.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// --- run bookkeeping ---

// BeginRun registers a new pipeline run and returns its ID together with the
// resume cursor left by the most recent interrupted run. It fails with
// ErrRunActive when another run is in progress, in this process or another.
func (s *Store) BeginRun(ctx context.Context) (runID int64, resumeCursor int, err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runHeld {
		return 0, 0, ErrRunActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE state NOT IN ('done', 'failed')`,
	).Scan(&active); err != nil {
		return 0, 0, fmt.Errorf("checking active runs: %w", err)
	}
	if active > 0 {
		return 0, 0, ErrRunActive
	}

	// Resume from where the last non-completed run left off.
	var cursor sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT cursor FROM runs WHERE state = 'interrupted' ORDER BY id DESC LIMIT 1`,
	).Scan(&cursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("reading resume cursor: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (state, cursor, started_at) VALUES ('init', ?, ?)`,
		cursor.Int64, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("registering run: %w", err)
	}
	runID, err = res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}

	s.runHeld = true
	return runID, int(cursor.Int64), nil
}

// SetRunState records the orchestrator's current stage on the run row.
func (s *Store) SetRunState(ctx context.Context, runID int64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ? WHERE id = ?`, state, runID)
	if err != nil {
		return fmt.Errorf("updating run state: %w", err)
	}
	return nil
}

// SaveCursor checkpoints the fetch position so an interrupted run can
// resume without re-processing committed records.
func (s *Store) SaveCursor(ctx context.Context, runID int64, cursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cursor = ? WHERE id = ?`, cursor, runID)
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// FinishRun releases the run lock and records the terminal state:
// "done", "failed", or "interrupted".
func (s *Store) FinishRun(ctx context.Context, runID int64, state string) error {
	s.runMu.Lock()
	s.runHeld = false
	s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = ? WHERE id = ?`,
		state, time.Now().UTC().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// ForceUnlock marks every non-terminal run as interrupted, clearing a stale
// lock left by a crashed process.
func (s *Store) ForceUnlock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = 'interrupted', finished_at = ?
		 WHERE state NOT IN ('done', 'failed', 'interrupted')`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("force unlock: %w", err)
	}
	return nil
}

// --- export ---

// ExportJSON writes every record, in insertion order, as indented JSON.
// Serialization is deterministic so that re-exporting an unchanged store
// produces identical bytes.
func (s *Store) ExportJSON(ctx context.Context, w io.Writer) error {
	records, err := s.List(ctx, "")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exportable(records))
}

// ExportYAML writes every record, in insertion order, as YAML.
func (s *Store) ExportYAML(ctx context.Context, w io.Writer) error {
	records, err := s.List(ctx, "")
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(exportable(records))
	if err != nil {
		return fmt.Errorf("marshaling records: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// exportable normalizes slice fields so exports round-trip bit-identically.
func exportable(records []*types.PublicationRecord) []*types.PublicationRecord {
	for _, r := range records {
		r.Authors = emptyAsList(r.Authors)
		r.Keywords = emptyAsList(r.Keywords)
		r.FieldLabels = emptyAsList(r.FieldLabels)
		sort.Strings(r.FieldLabels)
	}
	if records == nil {
		records = []*types.PublicationRecord{}
	}
	return records
}
