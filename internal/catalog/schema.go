// Package catalog exports a directory manifest into a SQLite database so
// block metadata can be inspected and queried with SQL.
package catalog

// createBlocksTableSQL holds one row per manifest item.
const createBlocksTableSQL = `
CREATE TABLE IF NOT EXISTS blocks (
    epoch INTEGER NOT NULL,
    rank INTEGER NOT NULL,
    file_offset INTEGER NOT NULL,
    obs_min REAL NOT NULL,
    obs_max REAL NOT NULL,
    exp_min REAL NOT NULL,
    exp_max REAL NOT NULL,
    upd_count INTEGER NOT NULL,
    item_count INTEGER NOT NULL,
    item_oob INTEGER NOT NULL,
    PRIMARY KEY (epoch, rank, file_offset)
)`

var createBlocksIndexesSQL = []string{
	// Overlap queries filter by epoch, then by observed bounds.
	`CREATE INDEX IF NOT EXISTS idx_blocks_overlap ON blocks(epoch, obs_min, obs_max)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_rank ON blocks(rank, epoch)`,
}

// createDirectoriesTableSQL records what was exported and when.
const createDirectoriesTableSQL = `
CREATE TABLE IF NOT EXISTS directories (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    source_dir TEXT NOT NULL,
    key_size INTEGER NOT NULL,
    value_size INTEGER NOT NULL,
    num_epochs INTEGER NOT NULL,
    num_ranks INTEGER NOT NULL,
    exported_at INTEGER NOT NULL
)`

const insertBlockSQL = `
INSERT INTO blocks (
    epoch, rank, file_offset,
    obs_min, obs_max, exp_min, exp_max,
    upd_count, item_count, item_oob
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectBlockColumns = `
SELECT epoch, rank, file_offset, obs_min, obs_max, exp_min, exp_max,
    upd_count, item_count, item_oob
FROM blocks`
