package recorder

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChamsBouzaiene/verdict/internal/registry"
)

// TranscriptInfo identifies one scannable transcript: where it lives and
// what is known about it without loading the content.
type TranscriptInfo struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ScanSpec is the durable description of a scan run, written atomically
// when the scan starts and re-read on resume.
type ScanSpec struct {
	ScanID      string                    `json:"scan_id"`
	ScanName    string                    `json:"scan_name"`
	Created     time.Time                 `json:"created"`
	Config      map[string]any            `json:"config,omitempty"`
	Transcripts []TranscriptInfo          `json:"transcripts"`
	Scanners    map[string]registry.Entry `json:"scanners"`
	Tags        []string                  `json:"tags,omitempty"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
}

// ScanResult is one row emitted by a scanner for one transcript.
type ScanResult struct {
	Value       any            `json:"value"`
	Answer      string         `json:"answer,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ScanRecorder persists scan results under a dedicated directory:
//
//	{timestamp}_{scan_name}_{scan_id}/
//	  _scan.json                            the spec
//	  .{transcript_id}_{scanner}_{h}.json   pre-compaction intermediates (hidden)
//	  {scanner}.sqlite                      post-compaction artifacts
//
// Each (transcript, scanner) pair is recorded as its own hidden
// intermediate so a crash loses nothing already written. Complete
// compacts intermediates into one sqlite artifact per scanner and
// removes them; any surviving intermediate marks the scan incomplete.
type ScanRecorder struct {
	mu       sync.Mutex
	dir      string
	spec     ScanSpec
	recorded map[string]bool // "{transcript_id}/{scanner}"
}

const (
	scanSpecFile  = "_scan.json"
	scanDirStamp  = "2006-01-02T15-04-05"
	scanGitignore = ".*.json\n"
)

func recordedKey(transcriptID, scanner string) string {
	return transcriptID + "/" + scanner
}

// NewScanRecorder creates the scan directory under scansDir and writes
// the spec. The parent directory gets a .gitignore excluding the hidden
// intermediates.
func NewScanRecorder(scansDir string, spec ScanSpec) (*ScanRecorder, error) {
	if spec.Created.IsZero() {
		spec.Created = time.Now()
	}
	name := fmt.Sprintf("%s_%s_%s", spec.Created.Format(scanDirStamp), spec.ScanName, spec.ScanID)
	dir := filepath.Join(scansDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scan directory: %w", err)
	}

	ignorePath := filepath.Join(scansDir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(scanGitignore), 0644); err != nil {
			return nil, fmt.Errorf("failed to write scans gitignore: %w", err)
		}
	}

	r := &ScanRecorder{dir: dir, spec: spec, recorded: map[string]bool{}}
	if err := writeJSONAtomic(filepath.Join(dir, scanSpecFile), spec); err != nil {
		return nil, fmt.Errorf("failed to write scan spec: %w", err)
	}
	return r, nil
}

// OpenScan resumes a scan at location: the spec is re-read and prior
// progress recovered from the hidden intermediates and any compacted
// artifacts already present.
func OpenScan(ctx context.Context, location string) (*ScanRecorder, error) {
	data, err := os.ReadFile(filepath.Join(location, scanSpecFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read scan spec: %w", err)
	}
	var spec ScanSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode scan spec: %w", err)
	}

	r := &ScanRecorder{dir: location, spec: spec, recorded: map[string]bool{}}
	if err := r.recoverProgress(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Spec returns the durable scan spec.
func (r *ScanRecorder) Spec() ScanSpec { return r.spec }

// Location returns the scan directory.
func (r *ScanRecorder) Location() string { return r.dir }

// recoverProgress rebuilds the recorded set from disk: one entry per
// hidden intermediate plus one per transcript found in each compacted
// per-scanner artifact.
func (r *ScanRecorder) recoverProgress(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to list scan directory: %w", err)
	}
	for _, e := range entries {
		im, ok, err := r.readIntermediate(e.Name())
		if err != nil {
			return err
		}
		if ok {
			r.recorded[recordedKey(im.TranscriptID, im.Scanner)] = true
		}
	}

	for scanner := range r.spec.Scanners {
		dbPath := filepath.Join(r.dir, scanner+".sqlite")
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}
		ids, err := recordedTranscripts(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to read artifact for scanner %s: %w", scanner, err)
		}
		for _, id := range ids {
			r.recorded[recordedKey(id, scanner)] = true
		}
	}
	return nil
}

// isIntermediateName matches the hidden intermediate pattern. The
// filename alone does not identify the (transcript, scanner) pair —
// both ids may contain underscores — so identity always comes from the
// payload.
func isIntermediateName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".json")
}

// intermediateName builds the hidden filename for one pair. The hash
// suffix keeps distinct pairs distinct even when "{tid}_{scanner}"
// collides (tid "a" + scanner "b_c" vs tid "a_b" + scanner "c").
func intermediateName(transcriptID, scanner string) string {
	sum := sha256.Sum256([]byte(transcriptID + "/" + scanner))
	return fmt.Sprintf(".%s_%s_%x.json", transcriptID, scanner, sum[:4])
}

// readIntermediate loads one hidden intermediate, reporting ok=false for
// names that are not intermediates.
func (r *ScanRecorder) readIntermediate(name string) (scanIntermediate, bool, error) {
	if !isIntermediateName(name) {
		return scanIntermediate{}, false, nil
	}
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		return scanIntermediate{}, false, fmt.Errorf("failed to read intermediate %s: %w", name, err)
	}
	var im scanIntermediate
	if err := json.Unmarshal(data, &im); err != nil {
		return scanIntermediate{}, false, fmt.Errorf("failed to parse intermediate %s: %w", name, err)
	}
	if im.TranscriptID == "" || im.Scanner == "" {
		return scanIntermediate{}, false, fmt.Errorf("intermediate %s has no identity", name)
	}
	return im, true, nil
}

// IsRecorded reports whether results for (transcript, scanner) are
// already durable, either as an intermediate or in a compacted artifact.
func (r *ScanRecorder) IsRecorded(transcriptID, scanner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded[recordedKey(transcriptID, scanner)]
}

// Record durably persists the results of one scanner invocation as a
// hidden intermediate. An empty result set is still recorded so resume
// does not re-run the scanner.
func (r *ScanRecorder) Record(transcriptID, scanner string, results []ScanResult) error {
	payload := scanIntermediate{
		TranscriptID: transcriptID,
		Scanner:      scanner,
		Results:      results,
	}
	path := filepath.Join(r.dir, intermediateName(transcriptID, scanner))
	if err := writeJSONAtomic(path, payload); err != nil {
		return fmt.Errorf("failed to record scan result: %w", err)
	}
	r.mu.Lock()
	r.recorded[recordedKey(transcriptID, scanner)] = true
	r.mu.Unlock()
	return nil
}

type scanIntermediate struct {
	TranscriptID string       `json:"transcript_id"`
	Scanner      string       `json:"scanner"`
	Results      []ScanResult `json:"results"`
}

// Incomplete reports whether any hidden intermediate is still present,
// which marks a scan that has not been compacted.
func (r *ScanRecorder) Incomplete() (bool, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return false, fmt.Errorf("failed to list scan directory: %w", err)
	}
	for _, e := range entries {
		if isIntermediateName(e.Name()) {
			return true, nil
		}
	}
	return false, nil
}

// Complete compacts all intermediates into one sqlite artifact per
// scanner and removes them. After Complete only per-scanner artifacts
// and the spec remain. Safe to call on an already-completed scan.
func (r *ScanRecorder) Complete(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to list scan directory: %w", err)
	}

	// scanner → intermediate paths, compacted in sorted order for
	// deterministic artifacts.
	byScanner := map[string][]string{}
	for _, e := range entries {
		im, ok, err := r.readIntermediate(e.Name())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		byScanner[im.Scanner] = append(byScanner[im.Scanner], filepath.Join(r.dir, e.Name()))
	}

	scanners := make([]string, 0, len(byScanner))
	for s := range byScanner {
		scanners = append(scanners, s)
	}
	sort.Strings(scanners)

	for _, scanner := range scanners {
		paths := byScanner[scanner]
		sort.Strings(paths)
		if err := r.compactScanner(ctx, scanner, paths); err != nil {
			return err
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("failed to remove intermediate %s: %w", p, err)
			}
		}
	}
	return nil
}

// compactScanner appends the given intermediates into the scanner's
// sqlite artifact. Re-inserting a transcript that is already present is
// skipped, so compaction is idempotent.
func (r *ScanRecorder) compactScanner(ctx context.Context, scanner string, paths []string) error {
	db, err := openScanDB(ctx, filepath.Join(r.dir, scanner+".sqlite"))
	if err != nil {
		return err
	}
	defer db.Close()

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read intermediate %s: %w", p, err)
		}
		var im scanIntermediate
		if err := json.Unmarshal(data, &im); err != nil {
			return fmt.Errorf("failed to decode intermediate %s: %w", p, err)
		}
		if err := insertResults(ctx, db, im); err != nil {
			return fmt.Errorf("failed to compact %s: %w", p, err)
		}
	}
	return nil
}

// openScanDB opens (creating if needed) a per-scanner sqlite artifact.
func openScanDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	// WAL mode allows a reader to race the single writer safely.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan artifact: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping scan artifact: %w", err)
	}

	schema := `
	-- One row per transcript the scanner has processed, even when it
	-- produced no results.
	CREATE TABLE IF NOT EXISTS recorded (
		transcript_id TEXT PRIMARY KEY
	);

	-- One row per result the scanner emitted.
	CREATE TABLE IF NOT EXISTS results (
		result_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		transcript_id TEXT NOT NULL,
		ord           INTEGER NOT NULL,
		value         TEXT NOT NULL,
		answer        TEXT,
		explanation   TEXT,
		metadata      TEXT,
		UNIQUE (transcript_id, ord)
	);

	CREATE INDEX IF NOT EXISTS idx_results_transcript ON results(transcript_id);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize scan artifact schema: %w", err)
	}
	return db, nil
}

func insertResults(ctx context.Context, db *sql.DB, im scanIntermediate) error {
	// Already compacted in a previous (interrupted) Complete.
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recorded WHERE transcript_id = ?`, im.TranscriptID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check recorded transcript: %w", err)
	}
	if exists > 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recorded (transcript_id) VALUES (?)`, im.TranscriptID); err != nil {
		return fmt.Errorf("failed to insert recorded transcript: %w", err)
	}
	for i, res := range im.Results {
		value, err := json.Marshal(res.Value)
		if err != nil {
			return fmt.Errorf("failed to encode result value: %w", err)
		}
		var metadata []byte
		if res.Metadata != nil {
			if metadata, err = json.Marshal(res.Metadata); err != nil {
				return fmt.Errorf("failed to encode result metadata: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO results (transcript_id, ord, value, answer, explanation, metadata)
			VALUES (?, ?, ?, ?, ?, ?)`,
			im.TranscriptID, i, string(value), res.Answer, res.Explanation, nullableString(metadata)); err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}
	return tx.Commit()
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Results reads all compacted rows for one scanner, ordered by
// transcript then emission order.
func (r *ScanRecorder) Results(ctx context.Context, scanner string) (map[string][]ScanResult, error) {
	dbPath := filepath.Join(r.dir, scanner+".sqlite")
	if _, err := os.Stat(dbPath); err != nil {
		return map[string][]ScanResult{}, nil
	}
	db, err := openScanDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT transcript_id, value, answer, explanation, metadata
		FROM results ORDER BY transcript_id, ord`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan results: %w", err)
	}
	defer rows.Close()

	out := map[string][]ScanResult{}
	for rows.Next() {
		var tid, value string
		var answer, explanation, metadata sql.NullString
		if err := rows.Scan(&tid, &value, &answer, &explanation, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		var res ScanResult
		if err := json.Unmarshal([]byte(value), &res.Value); err != nil {
			return nil, fmt.Errorf("failed to decode result value: %w", err)
		}
		res.Answer = answer.String
		res.Explanation = explanation.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &res.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode result metadata: %w", err)
			}
		}
		out[tid] = append(out[tid], res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan results: %w", err)
	}
	return out, nil
}

// RecordedTranscripts returns the transcripts already compacted for one
// scanner, sorted by id.
func recordedTranscripts(ctx context.Context, dbPath string) ([]string, error) {
	db, err := openScanDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT transcript_id FROM recorded ORDER BY transcript_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recorded transcripts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transcript id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
