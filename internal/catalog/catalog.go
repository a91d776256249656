package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/pkg/types"
)

// Directory describes the exported source directory.
type Directory struct {
	SourceDir  string
	KeySize    uint64
	ValueSize  uint64
	NumEpochs  int
	NumRanks   int
	ExportedAt time.Time
}

// EpochRow aggregates the blocks of one epoch.
type EpochRow struct {
	Epoch  int
	Blocks int
	Mass   uint64
	Range  types.Range
}

// SQLiteCatalog stores one exported manifest.
type SQLiteCatalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes Export
}

// Open opens or creates the catalog database at dbPath.
func Open(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	stmts := append([]string{createBlocksTableSQL, createDirectoriesTableSQL}, createBlocksIndexesSQL...)
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database file.
func (c *SQLiteCatalog) Path() string { return c.dbPath }

// Export replaces the catalog contents with m, read from sourceDir.
func (c *SQLiteCatalog) Export(ctx context.Context, sourceDir string, m *manifest.Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin export: %w", err)
	}
	defer tx.Rollback()

	for _, s := range []string{"DELETE FROM blocks", "DELETE FROM directories"} {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("catalog: clear: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, insertBlockSQL)
	if err != nil {
		return fmt.Errorf("catalog: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range m.Items() {
		if _, err := stmt.ExecContext(ctx,
			it.Epoch, it.Rank, int64(it.Offset),
			float64(it.Observed.Min), float64(it.Observed.Max),
			float64(it.Expected.Min), float64(it.Expected.Max),
			it.UpdCount, it.ItemCount, it.ItemOOB,
		); err != nil {
			return fmt.Errorf("catalog: insert %s: %w", it, err)
		}
	}

	ks, vs := m.KVSizes()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO directories (id, source_dir, key_size, value_size, num_epochs, num_ranks, exported_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		sourceDir, int64(ks), int64(vs), m.NumEpochs(), m.NumRanks(), time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("catalog: record directory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit export: %w", err)
	}
	return nil
}

// Directory returns the exported directory, or sql.ErrNoRows when nothing
// has been exported.
func (c *SQLiteCatalog) Directory(ctx context.Context) (*Directory, error) {
	var d Directory
	var ks, vs, at int64
	err := c.db.QueryRowContext(ctx, `
		SELECT source_dir, key_size, value_size, num_epochs, num_ranks, exported_at
		FROM directories WHERE id = 1`,
	).Scan(&d.SourceDir, &ks, &vs, &d.NumEpochs, &d.NumRanks, &at)
	if err != nil {
		return nil, err
	}
	d.KeySize, d.ValueSize = uint64(ks), uint64(vs)
	d.ExportedAt = time.Unix(0, at)
	return &d, nil
}

// Overlapping returns the blocks matched by q, ordered by rank and offset.
// It selects the same blocks as manifest.OverlappingEntries.
func (c *SQLiteCatalog) Overlapping(ctx context.Context, q types.Query) ([]manifest.Item, error) {
	if q.Range.IsEmpty() {
		return nil, nil
	}
	query := selectBlockColumns + `
		WHERE epoch = ?
			AND obs_min <= obs_max
			AND obs_min <= ? AND obs_max >= ?`
	args := []interface{}{q.Epoch, float64(q.Range.Max), float64(q.Range.Min)}
	if q.Rank != types.AllRanks {
		query += ` AND rank = ?`
		args = append(args, q.Rank)
	}
	query += ` ORDER BY rank, file_offset`
	return c.queryItems(ctx, query, args...)
}

// Items returns every exported block ordered by epoch, rank and offset.
func (c *SQLiteCatalog) Items(ctx context.Context) ([]manifest.Item, error) {
	return c.queryItems(ctx, selectBlockColumns+` ORDER BY epoch, rank, file_offset`)
}

// Manifest rebuilds a manifest from the catalog.
func (c *SQLiteCatalog) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	d, err := c.Directory(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: read directory: %w", err)
	}
	items, err := c.Items(ctx)
	if err != nil {
		return nil, err
	}
	m := manifest.New()
	if err := m.UpdateKVSizes(d.KeySize, d.ValueSize); err != nil {
		return nil, err
	}
	m.AddItems(items)
	return m, nil
}

// Epochs aggregates block counts, mass and key range per epoch.
func (c *SQLiteCatalog) Epochs(ctx context.Context) ([]EpochRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT epoch, COUNT(*), SUM(item_count), MIN(obs_min), MAX(obs_max)
		FROM blocks
		WHERE obs_min <= obs_max
		GROUP BY epoch
		ORDER BY epoch`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochRow
	for rows.Next() {
		var r EpochRow
		var mass int64
		var lo, hi float64
		if err := rows.Scan(&r.Epoch, &r.Blocks, &mass, &lo, &hi); err != nil {
			return nil, fmt.Errorf("catalog: scan epoch: %w", err)
		}
		r.Mass = uint64(mass)
		r.Range = types.NewRange(float32(lo), float32(hi))
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) queryItems(ctx context.Context, query string, args ...interface{}) ([]manifest.Item, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query blocks: %w", err)
	}
	defer rows.Close()

	var out []manifest.Item
	for rows.Next() {
		var it manifest.Item
		var offset int64
		var omin, omax, emin, emax float64
		if err := rows.Scan(&it.Epoch, &it.Rank, &offset, &omin, &omax, &emin, &emax,
			&it.UpdCount, &it.ItemCount, &it.ItemOOB); err != nil {
			return nil, fmt.Errorf("catalog: scan block: %w", err)
		}
		it.Offset = uint64(offset)
		it.Observed = types.Range{Min: float32(omin), Max: float32(omax)}
		it.Expected = types.Range{Min: float32(emin), Max: float32(emax)}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Close closes the database.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
