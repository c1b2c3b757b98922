package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for samples, labels, and rollups.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "hindsight.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Samples ---

// SaveSample inserts a sample and links its labels inside one transaction.
// Labels are created on first reference; existing labels get their last_used
// refreshed to the sample's capture time.
func (s *Store) SaveSample(sample Sample) error {
	createdAt := sample.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning sample transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO samples (id, captured_at, payload, description, raw_response, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.CapturedAt.UTC().Format(time.RFC3339), sample.Payload,
		sample.Description, sample.RawResponse, sample.Error,
		createdAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}

	for _, name := range sample.Labels {
		labelID, err := getOrCreateLabelTx(tx, name, sample.CapturedAt)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO sample_labels (sample_id, label_id) VALUES (?, ?)`,
			sample.ID, labelID); err != nil {
			return fmt.Errorf("linking label %q: %w", name, err)
		}
	}

	return tx.Commit()
}

// GetSample returns a single sample including its payload and labels.
func (s *Store) GetSample(id string) (Sample, error) {
	var sm Sample
	var capturedAt, createdAt string
	err := s.db.QueryRow(`
		SELECT id, captured_at, payload, description, raw_response, error, created_at
		FROM samples WHERE id = ?`, id,
	).Scan(&sm.ID, &capturedAt, &sm.Payload, &sm.Description, &sm.RawResponse, &sm.Error, &createdAt)
	if err == sql.ErrNoRows {
		return Sample{}, ErrNotFound
	}
	if err != nil {
		return Sample{}, err
	}
	if sm.CapturedAt, err = time.Parse(time.RFC3339, capturedAt); err != nil {
		return Sample{}, fmt.Errorf("parsing captured_at: %w", err)
	}
	if sm.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Sample{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sm.Labels, err = s.sampleLabels(sm.ID); err != nil {
		return Sample{}, err
	}
	return sm, nil
}

// SamplesInRange returns samples with captured_at in [start, end), ascending.
// Payloads are not loaded; use PayloadsInRange for frame data.
func (s *Store) SamplesInRange(start, end time.Time) ([]Sample, error) {
	rows, err := s.db.Query(`
		SELECT id, captured_at, description, raw_response, error, created_at
		FROM samples
		WHERE captured_at >= ? AND captured_at < ?
		ORDER BY captured_at ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	results, err := scanSamples(rows)
	if err != nil {
		return nil, err
	}
	return s.attachLabels(results)
}

// RecentSamples returns the most recent samples, newest first, without payloads.
func (s *Store) RecentSamples(limit int) ([]Sample, error) {
	rows, err := s.db.Query(`
		SELECT id, captured_at, description, raw_response, error, created_at
		FROM samples
		ORDER BY captured_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	results, err := scanSamples(rows)
	if err != nil {
		return nil, err
	}
	return s.attachLabels(results)
}

// PayloadsInRange returns the non-null payloads captured in [start, end),
// in capture order.
func (s *Store) PayloadsInRange(start, end time.Time) ([][]byte, error) {
	rows, err := s.db.Query(`
		SELECT payload FROM samples
		WHERE captured_at >= ? AND captured_at < ? AND payload IS NOT NULL
		ORDER BY captured_at ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, rows.Err()
}

// ClearPayloads nulls the payload column for the given sample ids. Rows whose
// payload is already null are unaffected, so repeated calls are harmless.
func (s *Store) ClearPayloads(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`UPDATE samples SET payload = NULL WHERE id IN (?`+placeholders+`)`, args...)
	return err
}

// CountSamples counts samples with captured_at in [start, end).
func (s *Store) CountSamples(start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM samples
		WHERE captured_at >= ? AND captured_at < ?`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n, err
}

// scanSamples drains a metadata-only sample result set. The rows are closed
// before returning so follow-up queries can reuse the single connection.
func scanSamples(rows *sql.Rows) ([]Sample, error) {
	defer rows.Close()

	var results []Sample
	for rows.Next() {
		var sm Sample
		var capturedAt, createdAt string
		if err := rows.Scan(&sm.ID, &capturedAt, &sm.Description, &sm.RawResponse, &sm.Error, &createdAt); err != nil {
			return nil, err
		}
		var err error
		if sm.CapturedAt, err = time.Parse(time.RFC3339, capturedAt); err != nil {
			return nil, fmt.Errorf("parsing captured_at: %w", err)
		}
		if sm.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, sm)
	}
	return results, rows.Err()
}

func (s *Store) attachLabels(samples []Sample) ([]Sample, error) {
	for i := range samples {
		labels, err := s.sampleLabels(samples[i].ID)
		if err != nil {
			return nil, err
		}
		samples[i].Labels = labels
	}
	return samples, nil
}

func (s *Store) sampleLabels(sampleID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT l.name FROM labels l
		JOIN sample_labels sl ON sl.label_id = l.id
		WHERE sl.sample_id = ?
		ORDER BY l.name ASC`, sampleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- Labels ---

// GetOrCreateLabel resolves a label by name, creating it if missing. The
// label's last_used is set to usedAt on every call.
func (s *Store) GetOrCreateLabel(name string, usedAt time.Time) (Label, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Label{}, fmt.Errorf("beginning label transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := getOrCreateLabelTx(tx, name, usedAt)
	if err != nil {
		return Label{}, err
	}
	if err := tx.Commit(); err != nil {
		return Label{}, err
	}
	return s.getLabel(id)
}

func getOrCreateLabelTx(tx *sql.Tx, name string, usedAt time.Time) (string, error) {
	used := usedAt.UTC().Format(time.RFC3339)

	var id string
	err := tx.QueryRow("SELECT id FROM labels WHERE name = ?", name).Scan(&id)
	if err == nil {
		if _, err := tx.Exec("UPDATE labels SET last_used = ? WHERE id = ?", used, id); err != nil {
			return "", fmt.Errorf("touching label %q: %w", name, err)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("looking up label %q: %w", name, err)
	}

	id = uuid.New().String()
	if _, err := tx.Exec("INSERT INTO labels (id, name, created_at, last_used) VALUES (?, ?, ?, ?)",
		id, name, used, used); err != nil {
		return "", fmt.Errorf("creating label %q: %w", name, err)
	}
	return id, nil
}

func (s *Store) getLabel(id string) (Label, error) {
	var l Label
	var createdAt, lastUsed string
	err := s.db.QueryRow("SELECT id, name, created_at, last_used FROM labels WHERE id = ?", id).
		Scan(&l.ID, &l.Name, &createdAt, &lastUsed)
	if err == sql.ErrNoRows {
		return Label{}, ErrNotFound
	}
	if err != nil {
		return Label{}, err
	}
	if l.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Label{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if l.LastUsed, err = time.Parse(time.RFC3339, lastUsed); err != nil {
		return Label{}, fmt.Errorf("parsing last_used: %w", err)
	}
	return l, nil
}

// Labels returns the full vocabulary ordered by recency of use (most recent
// first, name as tiebreak).
func (s *Store) Labels() ([]Label, error) {
	rows, err := s.db.Query("SELECT id, name, created_at, last_used FROM labels ORDER BY last_used DESC, name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Label
	for rows.Next() {
		var l Label
		var createdAt, lastUsed string
		if err := rows.Scan(&l.ID, &l.Name, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if l.LastUsed, err = time.Parse(time.RFC3339, lastUsed); err != nil {
			return nil, fmt.Errorf("parsing last_used: %w", err)
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// LabelCounts returns per-label sample counts, most used first. Zero start and
// end mean the whole history; otherwise the range is [start, end).
func (s *Store) LabelCounts(start, end time.Time) ([]LabelCount, error) {
	query := `
		SELECT l.name, COUNT(*)
		FROM labels l
		JOIN sample_labels sl ON sl.label_id = l.id
		JOIN samples s ON s.id = sl.sample_id`
	var args []interface{}
	if !start.IsZero() || !end.IsZero() {
		query += ` WHERE s.captured_at >= ? AND s.captured_at < ?`
		args = append(args, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	query += ` GROUP BY l.id ORDER BY COUNT(*) DESC, l.name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Name, &lc.Count); err != nil {
			return nil, err
		}
		results = append(results, lc)
	}
	return results, rows.Err()
}

// --- Rollups ---

func (s *Store) SaveRollup(r Rollup) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var videoPath interface{}
	if r.VideoPath != "" {
		videoPath = r.VideoPath
	}
	_, err := s.db.Exec(`
		INSERT INTO rollups (id, granularity, start_time, end_time, content, video_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Granularity),
		r.StartTime.UTC().Format(time.RFC3339), r.EndTime.UTC().Format(time.RFC3339),
		r.Content, videoPath, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// LatestRollup returns the rollup with the greatest end_time for the
// granularity, or ErrNotFound when none exists yet.
func (s *Store) LatestRollup(g Granularity) (Rollup, error) {
	row := s.db.QueryRow(`
		SELECT id, granularity, start_time, end_time, content, video_path, created_at
		FROM rollups WHERE granularity = ?
		ORDER BY end_time DESC LIMIT 1`, string(g),
	)
	return scanRollup(row)
}

func (s *Store) GetRollup(id string) (Rollup, error) {
	row := s.db.QueryRow(`
		SELECT id, granularity, start_time, end_time, content, video_path, created_at
		FROM rollups WHERE id = ?`, id,
	)
	return scanRollup(row)
}

// RollupsInRange returns rollups fully contained in [start, end], ascending
// by start_time.
func (s *Store) RollupsInRange(g Granularity, start, end time.Time) ([]Rollup, error) {
	rows, err := s.db.Query(`
		SELECT id, granularity, start_time, end_time, content, video_path, created_at
		FROM rollups
		WHERE granularity = ? AND start_time >= ? AND end_time <= ?
		ORDER BY start_time ASC`,
		string(g), start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return scanRollups(rows)
}

// RecentRollups returns the newest rollups first. Empty granularity means all.
func (s *Store) RecentRollups(g Granularity, limit int) ([]Rollup, error) {
	query := `
		SELECT id, granularity, start_time, end_time, content, video_path, created_at
		FROM rollups`
	var args []interface{}
	if g != "" {
		query += ` WHERE granularity = ?`
		args = append(args, string(g))
	}
	query += ` ORDER BY end_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanRollups(rows)
}

// HasRollup reports whether a rollup with exactly this window already exists.
func (s *Store) HasRollup(g Granularity, start, end time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM rollups
		WHERE granularity = ? AND start_time = ? AND end_time = ?`,
		string(g), start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n > 0, err
}

// SetRollupVideo attaches a video artifact path to an existing rollup.
func (s *Store) SetRollupVideo(id, path string) error {
	res, err := s.db.Exec(`UPDATE rollups SET video_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRollup(row rowScanner) (Rollup, error) {
	var r Rollup
	var granularity, startTime, endTime, createdAt string
	var videoPath sql.NullString
	err := row.Scan(&r.ID, &granularity, &startTime, &endTime, &r.Content, &videoPath, &createdAt)
	if err == sql.ErrNoRows {
		return Rollup{}, ErrNotFound
	}
	if err != nil {
		return Rollup{}, err
	}
	r.Granularity = Granularity(granularity)
	r.VideoPath = videoPath.String
	if r.StartTime, err = time.Parse(time.RFC3339, startTime); err != nil {
		return Rollup{}, fmt.Errorf("parsing start_time: %w", err)
	}
	if r.EndTime, err = time.Parse(time.RFC3339, endTime); err != nil {
		return Rollup{}, fmt.Errorf("parsing end_time: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Rollup{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

func scanRollups(rows *sql.Rows) ([]Rollup, error) {
	defer rows.Close()

	var results []Rollup
	for rows.Next() {
		r, err := scanRollup(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Reporting ---

func (s *Store) GetStats() (Stats, error) {
	var st Stats
	var first, last sql.NullString
	if err := s.db.QueryRow(`
		SELECT COUNT(*), MIN(captured_at), MAX(captured_at), COALESCE(SUM(LENGTH(payload)), 0)
		FROM samples`,
	).Scan(&st.TotalSamples, &first, &last, &st.PayloadBytes); err != nil {
		return Stats{}, err
	}
	var err error
	if first.Valid {
		if st.FirstCapture, err = time.Parse(time.RFC3339, first.String); err != nil {
			return Stats{}, fmt.Errorf("parsing first capture time: %w", err)
		}
	}
	if last.Valid {
		if st.LastCapture, err = time.Parse(time.RFC3339, last.String); err != nil {
			return Stats{}, fmt.Errorf("parsing last capture time: %w", err)
		}
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM labels`).Scan(&st.TotalLabels); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM rollups WHERE granularity = ?`, string(GranularityShort)).Scan(&st.ShortRollups); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM rollups WHERE granularity = ?`, string(GranularityLong)).Scan(&st.LongRollups); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Timeline returns one row per (sample, label) pair captured in [start, end),
// ascending. Unlabeled samples are omitted.
func (s *Store) Timeline(start, end time.Time) ([]TimelineEntry, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.captured_at, l.name
		FROM samples s
		JOIN sample_labels sl ON sl.sample_id = s.id
		JOIN labels l ON l.id = sl.label_id
		WHERE s.captured_at >= ? AND s.captured_at < ?
		ORDER BY s.captured_at ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var capturedAt string
		if err := rows.Scan(&e.SampleID, &capturedAt, &e.Label); err != nil {
			return nil, err
		}
		if e.CapturedAt, err = time.Parse(time.RFC3339, capturedAt); err != nil {
			return nil, fmt.Errorf("parsing captured_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// Heatmap returns per-day, per-hour sample counts for captures at or after
// since. Timestamps are stored RFC3339 UTC, so the date and hour can be
// sliced straight out of the text.
func (s *Store) Heatmap(since time.Time) ([]HeatmapCell, error) {
	rows, err := s.db.Query(`
		SELECT substr(captured_at, 1, 10), CAST(substr(captured_at, 12, 2) AS INTEGER), COUNT(*)
		FROM samples
		WHERE captured_at >= ?
		GROUP BY 1, 2
		ORDER BY 1, 2`,
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []HeatmapCell
	for rows.Next() {
		var c HeatmapCell
		if err := rows.Scan(&c.Date, &c.Hour, &c.Count); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
