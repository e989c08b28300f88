package store

import (
	"context"
	"database/sql"
	"errors"
)

// InsertSnapshot writes one snapshot row. The caller has already applied
// redaction and byte limits; the store only enforces referential shape.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	var redaction any
	if len(snap.Redaction) > 0 {
		redaction = string(snap.Redaction)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(snapshot_id, session_id, timestamp, trigger_kind, selector, url,
			 mode_dom, mode_png, style_mode, dom_payload, styles_payload,
			 trunc_dom, trunc_styles, trunc_png, redaction, png_asset_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snap.SnapshotID, snap.SessionID, snap.Timestamp, snap.Trigger,
		nullable(snap.Selector), snap.URL,
		snap.Mode.Dom, snap.Mode.Png, snap.Mode.StyleMode,
		nullable(snap.DomPayload), nullable(snap.StylesPayload),
		snap.Truncation.Dom, snap.Truncation.Styles, snap.Truncation.Png,
		redaction, snap.PngAssetID)
	if err != nil {
		return &StorageError{Op: "insert_snapshot", Err: err}
	}
	return nil
}

// InsertSnapshotAsset stores the PNG blob for a snapshot.
func (s *Store) InsertSnapshotAsset(ctx context.Context, asset SnapshotAsset) error {
	if asset.Kind == "" {
		asset.Kind = "png"
	}
	asset.SizeBytes = int64(len(asset.Bytes))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot_assets (asset_id, snapshot_id, kind, bytes, size_bytes)
		VALUES (?,?,?,?,?)`,
		asset.AssetID, asset.SnapshotID, asset.Kind, asset.Bytes, asset.SizeBytes)
	if err != nil {
		return &StorageError{Op: "insert_snapshot_asset", Err: err}
	}
	return nil
}

// ReadSnapshotAssetChunk returns max_bytes of the blob starting at offset,
// plus the total size. Chunks are byte-aligned; the blob never leaves
// SQLite whole.
func (s *Store) ReadSnapshotAssetChunk(ctx context.Context, snapshotID string, offset, maxBytes int64) ([]byte, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT substr(bytes, ?, ?), size_bytes
		FROM snapshot_assets WHERE snapshot_id = ?`,
		offset+1, maxBytes, snapshotID)
	var chunk []byte
	var size int64
	err := row.Scan(&chunk, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, &StorageError{Op: "read_asset_chunk", Err: err}
	}
	return chunk, size, nil
}

// GetSnapshot loads one snapshot row.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, selectSnapshot+" WHERE snapshot_id = ?", snapshotID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, &StorageError{Op: "get_snapshot", Err: err}
	}
	return snap, nil
}

// ListSnapshots returns snapshots for a session, newest first. sinceMs
// zero means no window.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string, sinceMs int64, limit, offset int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, selectSnapshot+`
		WHERE session_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		sessionID, sinceMs, limit, offset)
	if err != nil {
		return nil, &StorageError{Op: "list_snapshots", Err: err}
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, &StorageError{Op: "list_snapshots", Err: err}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_snapshots", Err: err}
	}
	return out, nil
}

// SnapshotNearest returns the snapshot closest in time to anchorMs within
// maxDeltaMs, or ErrNotFound.
func (s *Store) SnapshotNearest(ctx context.Context, sessionID string, anchorMs, maxDeltaMs int64) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, selectSnapshot+`
		WHERE session_id = ? AND timestamp BETWEEN ? AND ?
		ORDER BY ABS(timestamp - ?) LIMIT 1`,
		sessionID, anchorMs-maxDeltaMs, anchorMs+maxDeltaMs, anchorMs)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, &StorageError{Op: "snapshot_nearest", Err: err}
	}
	return snap, nil
}

const selectSnapshot = `
	SELECT snapshot_id, session_id, timestamp, trigger_kind, selector, url,
	       mode_dom, mode_png, style_mode, dom_payload, styles_payload,
	       trunc_dom, trunc_styles, trunc_png, redaction, png_asset_id
	FROM snapshots`

func scanSnapshot(r rowScanner) (Snapshot, error) {
	var snap Snapshot
	var selector, domPayload, stylesPayload, redaction, pngAssetID sql.NullString
	err := r.Scan(&snap.SnapshotID, &snap.SessionID, &snap.Timestamp, &snap.Trigger,
		&selector, &snap.URL,
		&snap.Mode.Dom, &snap.Mode.Png, &snap.Mode.StyleMode,
		&domPayload, &stylesPayload,
		&snap.Truncation.Dom, &snap.Truncation.Styles, &snap.Truncation.Png,
		&redaction, &pngAssetID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Selector = selector.String
	snap.DomPayload = domPayload.String
	snap.StylesPayload = stylesPayload.String
	if redaction.Valid && redaction.String != "" {
		snap.Redaction = []byte(redaction.String)
	}
	if pngAssetID.Valid {
		id := pngAssetID.String
		snap.PngAssetID = &id
	}
	return snap, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
