package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/swarmchat/internal/content"
	"github.com/petervdpas/swarmchat/internal/doc"
	"github.com/petervdpas/swarmchat/internal/identity"
)

var log = logging.Logger("storage")

// InlineThreshold is the largest value stored directly in the entry
// database. Bigger values go to the content-addressed blob store and are
// resolved by hash on read.
const InlineThreshold = 4096

// DB is a SQLite-backed implementation of the replicated document
// substrate. Replication itself happens elsewhere; this is the local
// replica with the ordering and indirection guarantees the core relies on.
// Keys are BLOBs, so `ORDER BY key` is exactly lexicographic byte order.
type DB struct {
	db    *sql.DB
	path  string
	owner identity.NodeID
	blobs *content.Store

	mu        sync.Mutex
	listeners []chan doc.LiveEvent
	closed    bool
}

// Open opens or creates the replica database in the given directory.
func Open(dir string, owner identity.NodeID) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "doc.db")

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			key        BLOB PRIMARY KEY,
			author     BLOB NOT NULL,
			hash       BLOB NOT NULL,
			size       INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create entries table: %w", err)
	}

	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			hash  BLOB PRIMARY KEY,
			value BLOB NOT NULL
		);
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}

	blobs, err := content.New(filepath.Join(dir, "blobs"))
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{db: sqlDB, path: dbPath, owner: owner, blobs: blobs}, nil
}

// Set implements doc.Store. Values at or under InlineThreshold are inlined;
// larger values are written to the blob store and referenced by hash.
func (d *DB) Set(ctx context.Context, author identity.NodeID, key, value []byte) (doc.Hash, error) {
	h := doc.HashOf(value)
	if len(value) <= InlineThreshold {
		if _, err := d.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO blobs (hash, value) VALUES (?, ?)`, h[:], value); err != nil {
			return h, fmt.Errorf("store value: %w", err)
		}
	} else {
		if _, err := d.blobs.Put(value); err != nil {
			return h, fmt.Errorf("store blob: %w", err)
		}
	}

	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO entries (key, author, hash, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			author = excluded.author,
			hash = excluded.hash,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, key, author[:], h[:], len(value), time.Now().UnixMicro()); err != nil {
		return h, fmt.Errorf("store entry: %w", err)
	}

	entry := &doc.Entry{
		Key:    append([]byte(nil), key...),
		Author: author,
		Hash:   h,
		Size:   int64(len(value)),
	}
	kind := doc.LiveInsertLocal
	if author != d.owner {
		kind = doc.LiveInsertRemote
	}
	d.notify(doc.LiveEvent{Kind: kind, Entry: entry})
	return h, nil
}

// GetOne implements doc.Store.
func (d *DB) GetOne(ctx context.Context, key []byte) (*doc.Entry, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT key, author, hash, size FROM entries WHERE key = ?`, key)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// GetMany implements doc.Store. BLOB comparison in SQLite is memcmp, so the
// ORDER BY clause delivers exactly the lexicographic iteration order the
// message log depends on.
func (d *DB) GetMany(ctx context.Context, prefix []byte) ([]doc.Entry, error) {
	var rows *sql.Rows
	var err error
	if upper, ok := prefixUpperBound(prefix); ok {
		rows, err = d.db.QueryContext(ctx,
			`SELECT key, author, hash, size FROM entries WHERE key >= ? AND key < ? ORDER BY key`,
			prefix, upper)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT key, author, hash, size FROM entries WHERE key >= ? ORDER BY key`,
			prefix)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []doc.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// ReadContent implements doc.Store. A miss in both the inline table and the
// blob store means the content has not replicated yet, which is transient.
func (d *DB) ReadContent(ctx context.Context, h doc.Hash) ([]byte, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM blobs WHERE hash = ?`, h[:]).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	value, err = d.blobs.Get(h)
	if errors.Is(err, content.ErrNotFound) {
		return nil, doc.ErrContentNotReady
	}
	return value, err
}

// ApplyRemoteEntry ingests an entry announced by the sync engine. The value
// may not have arrived yet; pass nil and deliver it later via PutContent.
func (d *DB) ApplyRemoteEntry(ctx context.Context, entry doc.Entry, value []byte) error {
	if value != nil {
		if doc.HashOf(value) != entry.Hash {
			return fmt.Errorf("value does not match entry hash %s", entry.Hash)
		}
		_, err := d.Set(ctx, entry.Author, entry.Key, value)
		return err
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO entries (key, author, hash, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			author = excluded.author,
			hash = excluded.hash,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, entry.Key, entry.Author[:], entry.Hash[:], entry.Size, time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("store remote entry: %w", err)
	}
	e := entry
	d.notify(doc.LiveEvent{Kind: doc.LiveInsertRemote, Entry: &e})
	return nil
}

// PutContent stores late-arriving content bytes and fires the content-ready
// notification that unblocks pending reads.
func (d *DB) PutContent(ctx context.Context, value []byte) (doc.Hash, error) {
	h := doc.HashOf(value)
	if len(value) <= InlineThreshold {
		if _, err := d.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO blobs (hash, value) VALUES (?, ?)`, h[:], value); err != nil {
			return h, err
		}
	} else {
		if _, err := d.blobs.Put(value); err != nil {
			return h, err
		}
	}
	d.notify(doc.LiveEvent{Kind: doc.LiveContentReady, Hash: h})
	return h, nil
}

// Events implements doc.Store.
func (d *DB) Events() <-chan doc.LiveEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan doc.LiveEvent, 64)
	d.listeners = append(d.listeners, ch)
	return ch
}

func (d *DB) notify(ev doc.LiveEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, ch := range d.listeners {
		select {
		case ch <- ev:
		default:
			log.Debugf("dropping live event for slow listener")
		}
	}
}

// Close shuts the replica down and closes all event channels.
func (d *DB) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, ch := range d.listeners {
			close(ch)
		}
		d.listeners = nil
	}
	d.mu.Unlock()
	return d.db.Close()
}

func scanEntry(row interface{ Scan(...any) error }) (*doc.Entry, error) {
	var key, author, hash []byte
	var size int64
	if err := row.Scan(&key, &author, &hash, &size); err != nil {
		return nil, err
	}
	id, err := identity.FromBytes(author)
	if err != nil {
		return nil, fmt.Errorf("corrupt author column: %w", err)
	}
	if len(hash) != doc.HashLen {
		return nil, fmt.Errorf("corrupt hash column (%d bytes)", len(hash))
	}
	var h doc.Hash
	copy(h[:], hash)
	return &doc.Entry{Key: key, Author: id, Hash: h, Size: size}, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix. All-0xff prefixes have no finite upper bound.
func prefixUpperBound(prefix []byte) ([]byte, bool) {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1], true
		}
	}
	return nil, false
}
