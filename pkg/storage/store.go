// Package storage implements the Queue Store: the sole authority on
// durable state for buckets and their queued files, backed by an
// embedded SQLite database reached through database/sql.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/cuemby/portage/pkg/log"
	"github.com/cuemby/portage/pkg/metrics"
	"github.com/cuemby/portage/pkg/stats"
	"github.com/cuemby/portage/pkg/types"
)

// folderCacheTTL bounds how long a Folder-stats-cached snapshot is
// reused before a fresh query is issued, absorbing operator-driven
// polling without adding load to the database.
const folderCacheTTL = 2 * time.Second

// Store is the Queue Store: every mutation to bucket or file-queue state
// goes through it inside an atomic transaction.
type Store struct {
	db     *sql.DB
	ledger *stats.Ledger
	logger zerolog.Logger

	folderCacheMu sync.Mutex
	folderCache   map[int64]folderCacheEntry

	folderStatsCacheMu sync.Mutex
	folderStatsCache   map[int64]folderStatsCacheEntry
}

type folderCacheEntry struct {
	at   time.Time
	data map[string]types.FolderCounts
}

type folderStatsCacheEntry struct {
	at   time.Time
	data map[string]types.FolderStatusCounts
}

// Open opens (creating if absent) the SQLite-backed queue store at path,
// runs pending migrations, performs crash recovery, and rebuilds the
// stats ledger from a fresh GROUP BY pass.
func Open(path string, ledger *stats.Ledger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:               db,
		ledger:           ledger,
		logger:           log.WithComponent("storage"),
		folderCache:      make(map[int64]folderCacheEntry),
		folderStatsCache: make(map[int64]folderStatsCacheEntry),
	}

	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.reconcileLedger(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// recover is the crash-recovery protocol run once on startup: every
// in_progress row reverts to pending with worker-id and start time
// cleared, so no file is permanently stranded by a killed process.
func (s *Store) recover() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin recovery: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE file_queue SET status = ?, worker_id = NULL, started_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE status = ?`,
		string(types.EntryPending), string(types.EntryInProgress))
	if err != nil {
		return fmt.Errorf("storage: recover in_progress rows: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn().Int64("rows", n).Msg("recovered in_progress rows to pending after restart")
	}
	return tx.Commit()
}

// reconcileLedger rebuilds the in-memory stats ledger from a single
// GROUP BY pass over the queue table. It is the oracle whenever
// divergence between the ledger and durable state is suspected.
func (s *Store) reconcileLedger() error {
	names := make(map[int64]string)
	nameRows, err := s.db.Query(`SELECT id, name FROM buckets`)
	if err != nil {
		return fmt.Errorf("storage: list bucket names: %w", err)
	}
	for nameRows.Next() {
		var id int64
		var name string
		if err := nameRows.Scan(&id, &name); err != nil {
			nameRows.Close()
			return fmt.Errorf("storage: scan bucket name: %w", err)
		}
		names[id] = name
	}
	nameRows.Close()

	rows, err := s.db.Query(`SELECT bucket_id, status, COUNT(*), COALESCE(SUM(file_size), 0) FROM file_queue GROUP BY bucket_id, status`)
	if err != nil {
		return fmt.Errorf("storage: reconcile ledger: %w", err)
	}
	defer rows.Close()

	byBucket := make(map[int64]map[types.EntryStatus]types.StatusCount)
	for rows.Next() {
		var bucketID int64
		var status string
		var count, size int64
		if err := rows.Scan(&bucketID, &status, &count, &size); err != nil {
			return fmt.Errorf("storage: scan ledger row: %w", err)
		}
		byStatus, ok := byBucket[bucketID]
		if !ok {
			byStatus = make(map[types.EntryStatus]types.StatusCount)
			byBucket[bucketID] = byStatus
		}
		byStatus[types.EntryStatus(status)] = types.StatusCount{Count: count, TotalSize: size}
	}
	s.ledger.Reset(byBucket, names)
	return nil
}

// --- Bucket CRUD ---

// CreateBucket inserts a new bucket row and registers it with the ledger.
func (s *Store) CreateBucket(b *types.Bucket) error {
	folders, err := json.Marshal(b.SourceFolders)
	if err != nil {
		return fmt.Errorf("storage: marshal source_folders: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO buckets (name, source_folders, destination_folder, worker_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		b.Name, string(folders), b.DestFolder, b.WorkerCount, string(types.BucketStopped))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("storage: create bucket: %w", ErrDuplicateBucketName)
		}
		return fmt.Errorf("storage: create bucket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage: create bucket id: %w", err)
	}
	b.ID = id
	b.Status = types.BucketStopped
	s.ledger.RegisterBucket(id, b.Name)
	return nil
}

// GetBucket fetches one bucket by id.
func (s *Store) GetBucket(id int64) (*types.Bucket, error) {
	row := s.db.QueryRow(`SELECT id, name, source_folders, destination_folder, worker_count, status, created_at, updated_at FROM buckets WHERE id = ?`, id)
	return scanBucket(row)
}

// ListBuckets returns every bucket, ordered by id.
func (s *Store) ListBuckets() ([]*types.Bucket, error) {
	rows, err := s.db.Query(`SELECT id, name, source_folders, destination_folder, worker_count, status, created_at, updated_at FROM buckets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list buckets: %w", err)
	}
	defer rows.Close()

	var out []*types.Bucket
	for rows.Next() {
		b, err := scanBucketRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row *sql.Row) (*types.Bucket, error) {
	b, err := scanBucketGeneric(row)
	if err == sql.ErrNoRows {
		return nil, ErrBucketNotFound
	}
	return b, err
}

func scanBucketRows(rows *sql.Rows) (*types.Bucket, error) {
	return scanBucketGeneric(rows)
}

func scanBucketGeneric(scanner rowScanner) (*types.Bucket, error) {
	var b types.Bucket
	var folders, status string
	if err := scanner.Scan(&b.ID, &b.Name, &folders, &b.DestFolder, &b.WorkerCount, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("storage: scan bucket: %w", err)
	}
	if err := json.Unmarshal([]byte(folders), &b.SourceFolders); err != nil {
		return nil, fmt.Errorf("storage: unmarshal source_folders: %w", err)
	}
	b.Status = types.BucketStatus(status)
	return &b, nil
}

// UpdateBucketSources updates the source folder list and destination
// folder. The caller (manager) enforces that this only happens while
// the bucket's scheduler is stopped.
func (s *Store) UpdateBucketSources(id int64, sourceFolders []string, destFolder string) error {
	folders, err := json.Marshal(sourceFolders)
	if err != nil {
		return fmt.Errorf("storage: marshal source_folders: %w", err)
	}
	res, err := s.db.Exec(`UPDATE buckets SET source_folders = ?, destination_folder = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(folders), destFolder, id)
	if err != nil {
		return fmt.Errorf("storage: update bucket sources: %w", err)
	}
	return rowsAffectedOrNotFound(res, ErrBucketNotFound)
}

// UpdateBucketWorkerCount updates the worker cap; may be changed live.
func (s *Store) UpdateBucketWorkerCount(id int64, count int) error {
	res, err := s.db.Exec(`UPDATE buckets SET worker_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, count, id)
	if err != nil {
		return fmt.Errorf("storage: update bucket worker count: %w", err)
	}
	return rowsAffectedOrNotFound(res, ErrBucketNotFound)
}

// UpdateBucketStatus persists the scheduler's operational status so it
// survives restarts.
func (s *Store) UpdateBucketStatus(id int64, status types.BucketStatus) error {
	res, err := s.db.Exec(`UPDATE buckets SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage: update bucket status: %w", err)
	}
	return rowsAffectedOrNotFound(res, ErrBucketNotFound)
}

// DeleteBucket removes a bucket and cascades to its queue rows and
// ledger entries. The caller enforces that the bucket's scheduler is
// stopped before calling this.
func (s *Store) DeleteBucket(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin delete bucket: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM file_queue WHERE bucket_id = ?`, id); err != nil {
		return fmt.Errorf("storage: delete bucket queue rows: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM buckets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete bucket: %w", err)
	}
	if err := rowsAffectedOrNotFound(res, ErrBucketNotFound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit delete bucket: %w", err)
	}
	s.ledger.DropBucket(id)

	s.folderCacheMu.Lock()
	delete(s.folderCache, id)
	s.folderCacheMu.Unlock()
	s.folderStatsCacheMu.Lock()
	delete(s.folderStatsCache, id)
	s.folderStatsCacheMu.Unlock()
	return nil
}

func rowsAffectedOrNotFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// --- Queue operations ---

// InsertMany bulk-inserts rows for bucket, deduplicating on the
// (source_path, destination_path, bucket_id) uniqueness triple. It
// returns the count of rows actually added and updates the ledger for
// those rows once the transaction has committed.
func (s *Store) InsertMany(bucketID int64, rows []*types.QueueEntry) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("storage: begin insert-many: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO file_queue
		(bucket_id, source_path, source_folder, relative_path, destination_path, file_size, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(source_path, destination_path, bucket_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare insert-many: %w", err)
	}
	defer stmt.Close()

	type addedRow struct {
		status types.EntryStatus
		size   int64
	}
	var addedRows []addedRow
	for _, row := range rows {
		status := row.Status
		if status == "" {
			status = types.EntryPending
		}
		res, err := stmt.Exec(bucketID, row.SourcePath, row.SourceFolder, row.RelativePath, row.DestinationPath, row.FileSize, string(status))
		if err != nil {
			return 0, fmt.Errorf("storage: insert row: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("storage: insert rows affected: %w", err)
		}
		if n > 0 {
			addedRows = append(addedRows, addedRow{status: status, size: row.FileSize})
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit insert-many: %w", err)
	}
	for _, r := range addedRows {
		s.ledger.Apply(bucketID, r.status, 1, r.size)
	}
	added := len(addedRows)
	if added > 0 {
		metrics.InsertedTotal.WithLabelValues(fmt.Sprintf("%d", bucketID)).Add(float64(added))
		s.invalidateFolderCache(bucketID)
	}
	return added, nil
}

// Claim selects up to limit pending rows for bucket (optionally scoped
// to folder), ordered ascending by id, and attempts to atomically
// transition each to in_progress stamped with workerID. Rows stolen by
// a concurrent claimant are skipped silently. Returns the rows that
// actually transitioned.
func (s *Store) Claim(bucketID int64, folder string, limit int, workerID int64) ([]*types.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT id, source_path, source_folder, relative_path, destination_path, file_size
		FROM file_queue WHERE bucket_id = ? AND status = ?`
	args := []any{bucketID, string(types.EntryPending)}
	if folder != "" {
		query += ` AND source_folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: claim candidates: %w", err)
	}
	type candidate struct {
		id                                                          int64
		sourcePath, sourceFolder, relativePath, destinationPath     string
		fileSize                                                    int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.sourcePath, &c.sourceFolder, &c.relativePath, &c.destinationPath, &c.fileSize); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan claim candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	bucketLabel := fmt.Sprintf("%d", bucketID)
	var claimed []*types.QueueEntry
	for _, c := range candidates {
		metrics.ClaimAttemptsTotal.WithLabelValues(bucketLabel).Inc()
		res, err := s.db.Exec(`UPDATE file_queue SET status = ?, worker_id = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`, string(types.EntryInProgress), workerID, c.id, string(types.EntryPending))
		if err != nil {
			return nil, fmt.Errorf("storage: claim row %d: %w", c.id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("storage: claim rows affected: %w", err)
		}
		if n == 0 {
			continue // stolen by a concurrent claimant; skip silently
		}
		metrics.ClaimWonTotal.WithLabelValues(bucketLabel).Inc()
		s.ledger.Move(bucketID, types.EntryPending, types.EntryInProgress, c.fileSize)
		claimed = append(claimed, &types.QueueEntry{
			ID:              c.id,
			BucketID:        bucketID,
			SourcePath:      c.sourcePath,
			SourceFolder:    c.sourceFolder,
			RelativePath:    c.relativePath,
			DestinationPath: c.destinationPath,
			FileSize:        c.fileSize,
			Status:          types.EntryInProgress,
			WorkerID:        &workerID,
		})
	}
	if len(claimed) > 0 {
		s.invalidateFolderCache(bucketID)
	}
	return claimed, nil
}

// CommitResult carries the fields Commit may stamp on a terminal or
// reopened row, by outcome.
type CommitResult struct {
	Status          types.EntryStatus
	SourceHash      *string
	DestinationHash *string
	ErrorMessage    *string
}

// Commit sets a row's terminal (or reopened) status with optional hash
// and error fields. It reads the row's current status atomically inside
// the same transaction so the ledger delta reflects the true prior
// state, then adjusts the ledger and returns the bucket id for the
// caller's event emission.
func (s *Store) Commit(entryID int64, result CommitResult) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("storage: begin commit: %w", err)
	}
	defer tx.Rollback()

	var bucketID int64
	var prevStatus string
	var fileSize int64
	err = tx.QueryRow(`SELECT bucket_id, status, file_size FROM file_queue WHERE id = ?`, entryID).Scan(&bucketID, &prevStatus, &fileSize)
	if err == sql.ErrNoRows {
		return 0, ErrEntryNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read commit row: %w", err)
	}

	completedAt := "NULL"
	if result.Status == types.EntryCompleted || result.Status == types.EntryError || result.Status == types.EntryConflict {
		completedAt = "CURRENT_TIMESTAMP"
	}

	_, err = tx.Exec(fmt.Sprintf(`UPDATE file_queue SET status = ?, source_hash = ?, destination_hash = ?, error_message = ?,
		worker_id = NULL, completed_at = %s, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, completedAt),
		string(result.Status), result.SourceHash, result.DestinationHash, result.ErrorMessage, entryID)
	if err != nil {
		return 0, fmt.Errorf("storage: commit row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit transaction: %w", err)
	}

	s.ledger.Move(bucketID, types.EntryStatus(prevStatus), result.Status, fileSize)
	s.invalidateFolderCache(bucketID)
	return bucketID, nil
}

// ResolveConflict atomically transitions a conflict row to pending
// (overwrite, clearing the destination hash) or completed (skip). It
// fails silently (no error, no effect) if the row is not currently in
// conflict, or does not belong to bucketID.
func (s *Store) ResolveConflict(bucketID, entryID int64, action types.ConflictAction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin resolve-conflict: %w", err)
	}
	defer tx.Rollback()

	var fileSize int64
	err = tx.QueryRow(`SELECT file_size FROM file_queue WHERE id = ? AND bucket_id = ? AND status = ?`,
		entryID, bucketID, string(types.EntryConflict)).Scan(&fileSize)
	if err == sql.ErrNoRows {
		return nil // not in conflict, or wrong bucket: silent no-op per contract
	}
	if err != nil {
		return fmt.Errorf("storage: read resolve-conflict row: %w", err)
	}

	var newStatus types.EntryStatus
	switch action {
	case types.ResolveOverwrite:
		newStatus = types.EntryPending
		_, err = tx.Exec(`UPDATE file_queue SET status = ?, destination_hash = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(newStatus), entryID)
	case types.ResolveSkip:
		newStatus = types.EntryCompleted
		_, err = tx.Exec(`UPDATE file_queue SET status = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(newStatus), entryID)
	default:
		return fmt.Errorf("storage: unrecognized conflict action %q", action)
	}
	if err != nil {
		return fmt.Errorf("storage: apply resolve-conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit resolve-conflict: %w", err)
	}
	s.ledger.Move(bucketID, types.EntryConflict, newStatus, fileSize)
	s.invalidateFolderCache(bucketID)
	return nil
}

// ResolveConflictsBulk applies ResolveConflict's transition to every
// conflict row in bucket (or globally, if bucketID is 0).
func (s *Store) ResolveConflictsBulk(bucketID int64, action types.ConflictAction) (int, error) {
	ids, err := s.idsByStatus(bucketID, types.EntryConflict)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		var bID int64
		if bucketID != 0 {
			bID = bucketID
		} else {
			if err := s.db.QueryRow(`SELECT bucket_id FROM file_queue WHERE id = ?`, id).Scan(&bID); err != nil {
				continue
			}
		}
		if err := s.ResolveConflict(bID, id, action); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RetryError atomically transitions an error row back to pending,
// scoped to (bucketID, entryID) for defense in depth. Silent no-op if
// the row is not currently in error.
func (s *Store) RetryError(bucketID, entryID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin retry-error: %w", err)
	}
	defer tx.Rollback()

	var fileSize int64
	err = tx.QueryRow(`SELECT file_size FROM file_queue WHERE id = ? AND bucket_id = ? AND status = ?`,
		entryID, bucketID, string(types.EntryError)).Scan(&fileSize)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: read retry-error row: %w", err)
	}

	if _, err := tx.Exec(`UPDATE file_queue SET status = ?, error_message = NULL, completed_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(types.EntryPending), entryID); err != nil {
		return fmt.Errorf("storage: apply retry-error: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit retry-error: %w", err)
	}
	s.ledger.Move(bucketID, types.EntryError, types.EntryPending, fileSize)
	s.invalidateFolderCache(bucketID)
	return nil
}

// RetryErrorsBulk retries every error row in bucket (or globally, if
// bucketID is 0).
func (s *Store) RetryErrorsBulk(bucketID int64) (int, error) {
	ids, err := s.idsByStatus(bucketID, types.EntryError)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		var bID int64
		if bucketID != 0 {
			bID = bucketID
		} else {
			if err := s.db.QueryRow(`SELECT bucket_id FROM file_queue WHERE id = ?`, id).Scan(&bID); err != nil {
				continue
			}
		}
		if err := s.RetryError(bID, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) idsByStatus(bucketID int64, status types.EntryStatus) ([]int64, error) {
	var rows *sql.Rows
	var err error
	if bucketID != 0 {
		rows, err = s.db.Query(`SELECT id FROM file_queue WHERE bucket_id = ? AND status = ?`, bucketID, string(status))
	} else {
		rows, err = s.db.Query(`SELECT id FROM file_queue WHERE status = ?`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list ids by status: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Stats & folder views ---

// Stats returns an O(1) snapshot from the in-memory ledger: per-bucket
// if bucketID is non-zero, global otherwise.
func (s *Store) Stats(bucketID int64) types.BucketStats {
	if bucketID != 0 {
		return s.ledger.Bucket(bucketID)
	}
	return types.BucketStats{ByStatus: s.ledger.Global()}
}

// FolderActiveCounts returns {folder -> {pending, in_progress}} for
// bucket, used by the scheduler to pick the folder to drain next. The
// result is cached for folderCacheTTL and invalidated on every
// successful mutation of the bucket's rows.
func (s *Store) FolderActiveCounts(bucketID int64) (map[string]types.FolderCounts, error) {
	s.folderCacheMu.Lock()
	if entry, ok := s.folderCache[bucketID]; ok && time.Since(entry.at) < folderCacheTTL {
		s.folderCacheMu.Unlock()
		return entry.data, nil
	}
	s.folderCacheMu.Unlock()

	rows, err := s.db.Query(`SELECT source_folder, status, COUNT(*) FROM file_queue
		WHERE bucket_id = ? AND status IN (?, ?) GROUP BY source_folder, status`,
		bucketID, string(types.EntryPending), string(types.EntryInProgress))
	if err != nil {
		return nil, fmt.Errorf("storage: folder active counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.FolderCounts)
	for rows.Next() {
		var folder, status string
		var count int64
		if err := rows.Scan(&folder, &status, &count); err != nil {
			return nil, fmt.Errorf("storage: scan folder counts: %w", err)
		}
		c := out[folder]
		if status == string(types.EntryPending) {
			c.Pending = count
		} else {
			c.InProgress = count
		}
		out[folder] = c
	}

	s.folderCacheMu.Lock()
	s.folderCache[bucketID] = folderCacheEntry{at: time.Now(), data: out}
	s.folderCacheMu.Unlock()
	return out, rows.Err()
}

// FolderStatsCached returns {folder -> per-status counts} across all
// five entry statuses for bucket, to absorb operator-driven polling
// without hitting the database on every call. Cached for
// folderCacheTTL in its own cache, separate from FolderActiveCounts'
// (which only tracks the two statuses the scheduler dispatches on).
func (s *Store) FolderStatsCached(bucketID int64) (map[string]types.FolderStatusCounts, error) {
	s.folderStatsCacheMu.Lock()
	if entry, ok := s.folderStatsCache[bucketID]; ok && time.Since(entry.at) < folderCacheTTL {
		s.folderStatsCacheMu.Unlock()
		return entry.data, nil
	}
	s.folderStatsCacheMu.Unlock()

	rows, err := s.db.Query(`SELECT source_folder, status, COUNT(*) FROM file_queue
		WHERE bucket_id = ? GROUP BY source_folder, status`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("storage: folder stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.FolderStatusCounts)
	for rows.Next() {
		var folder, status string
		var count int64
		if err := rows.Scan(&folder, &status, &count); err != nil {
			return nil, fmt.Errorf("storage: scan folder stats: %w", err)
		}
		c, ok := out[folder]
		if !ok {
			c = types.FolderStatusCounts{ByStatus: make(map[types.EntryStatus]int64)}
		}
		c.ByStatus[types.EntryStatus(status)] = count
		out[folder] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: folder stats: %w", err)
	}

	s.folderStatsCacheMu.Lock()
	s.folderStatsCache[bucketID] = folderStatsCacheEntry{at: time.Now(), data: out}
	s.folderStatsCacheMu.Unlock()
	return out, nil
}

func (s *Store) invalidateFolderCache(bucketID int64) {
	s.folderCacheMu.Lock()
	delete(s.folderCache, bucketID)
	s.folderCacheMu.Unlock()

	s.folderStatsCacheMu.Lock()
	delete(s.folderStatsCache, bucketID)
	s.folderStatsCacheMu.Unlock()
}
