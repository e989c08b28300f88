package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tapbridge/tapbridge/extract"
	"github.com/tapbridge/tapbridge/redact"
	"github.com/tapbridge/tapbridge/store"
	"github.com/tapbridge/tapbridge/wire"
)

const outlineFallbackDepth = 4

// storeSnapshot runs one capture through the masking policy and byte
// limits, persists it, and stores the PNG asset when policy permits.
// The caller supplies the session's policy; the wire frame is consumed.
func (s *Server) storeSnapshot(ctx context.Context, sessionID string, policy redact.SnapshotPolicy, in *wire.Snapshot) (store.Snapshot, error) {
	snap := store.Snapshot{
		SnapshotID: in.SnapshotID,
		SessionID:  sessionID,
		Timestamp:  in.Timestamp,
		Trigger:    in.Trigger,
		Selector:   in.Selector,
		URL:        in.URL,
		Mode: store.SnapshotMode{
			StyleMode: in.StyleMode,
		},
	}
	if snap.SnapshotID == "" {
		snap.SnapshotID = s.newSnapshotID()
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = time.Now().UnixMilli()
	}
	if snap.Trigger == "" {
		snap.Trigger = "manual"
	}

	outcome := redact.RedactSnapshotDOM(in.DomHTML, in.Selector, policy)
	snap.DomPayload = outcome.DomHTML
	if len(snap.DomPayload) > s.maxDomBytes {
		outline, err := extract.Outline(snap.DomPayload, outlineFallbackDepth)
		if err != nil {
			outline = ""
		}
		snap.DomPayload = outline
		snap.Truncation.Dom = true
	}
	snap.Mode.Dom = snap.DomPayload != ""

	if len(in.StylesPayload) > 0 {
		if len(in.StylesPayload) > s.maxDomBytes {
			snap.Truncation.Styles = true
		} else {
			snap.StylesPayload = string(in.StylesPayload)
		}
	}

	if meta, err := json.Marshal(outcome); err == nil {
		snap.Redaction = meta
	}

	var asset *store.SnapshotAsset
	if in.PngBase64 != "" {
		if outcome.BlockPNG {
			snap.Truncation.Png = true
		} else {
			raw, err := base64.StdEncoding.DecodeString(in.PngBase64)
			switch {
			case err != nil:
				return store.Snapshot{}, fmt.Errorf("ingest: snapshot png: %w", err)
			case len(raw) > s.maxDomBytes*4:
				snap.Truncation.Png = true
			default:
				assetID := s.newAssetID()
				asset = &store.SnapshotAsset{
					AssetID:    assetID,
					SnapshotID: snap.SnapshotID,
					Kind:       "png",
					Bytes:      raw,
				}
				snap.PngAssetID = &assetID
				snap.Mode.Png = true
			}
		}
	}

	err := s.persistWithRetry(ctx, func(ctx context.Context) error {
		return s.store.InsertSnapshot(ctx, snap)
	})
	if err != nil {
		return store.Snapshot{}, err
	}
	if asset != nil {
		err := s.persistWithRetry(ctx, func(ctx context.Context) error {
			return s.store.InsertSnapshotAsset(ctx, *asset)
		})
		if err != nil {
			return store.Snapshot{}, err
		}
	}
	return snap, nil
}
