// Package publish implements the retry-driven publish state machine: a
// submission registers metadata as a draft, upserts the files and assets
// it references, verifies those files against blob storage, and either
// hands back presigned upload targets or atomically flips the draft to
// published.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/overair/overair/internal/blobstore"
	"github.com/overair/overair/internal/contentaddr"
	"github.com/overair/overair/internal/events"
	"github.com/overair/overair/internal/update"
)

// Terminal statuses of a Submit call. Conflict outcomes are successful
// idempotent states, not errors.
const (
	StatusPublished        = "update-published"
	StatusAlreadyPublished = "update-already-published"
	StatusVersionConflict  = "version-already-published"
	StatusWaitingForFiles  = "created-and-waiting-for-files"
)

var (
	ErrInvalidConfig     = errors.New("publish: invalid config")
	ErrInvalidSubmission = errors.New("publish: invalid submission")

	// ErrMissingHash means the metadata references an asset the submitter
	// supplied no digest for. The submission cannot be trusted and nothing
	// further is written.
	ErrMissingHash = errors.New("publish: no hash entry for referenced asset")
)

// FileHash is one submitter-computed digest pair. The server never sees
// the bytes, so these values are the trust boundary.
type FileHash struct {
	Path string `json:"path"`
	Ext  string `json:"ext"`
	Hash string `json:"hash"`
	Key  string `json:"key"`
}

// SubmitRequest is the publish endpoint's request body.
type SubmitRequest struct {
	Config   json.RawMessage `json:"config"`
	Metadata json.RawMessage `json:"metadata"`
	Files    []FileHash      `json:"files"`
}

// UploadDescriptor is one presigned upload target handed back when the
// submission is waiting for files.
type UploadDescriptor struct {
	Path          string `json:"path"`
	Ext           string `json:"ext"`
	SignedPayload string `json:"signedPayload"`
}

// Result is the terminal state of one Submit call.
type Result struct {
	Status string             `json:"status"`
	Files  []UploadDescriptor `json:"files,omitempty"`
}

type Config struct {
	Store    update.Store
	Blobs    blobstore.Store
	Producer events.Producer
	Topic    string
	Logger   *slog.Logger

	// PresignExpiry bounds upload URL validity. Zero means one hour.
	PresignExpiry time.Duration
}

// Service orchestrates the publish state machine. It holds no mutable
// state of its own; every call is independently retryable and correctness
// under concurrent submissions rests on the store's constraints.
type Service struct {
	store         update.Store
	blobs         blobstore.Store
	producer      events.Producer
	topic         string
	logger        *slog.Logger
	presignExpiry time.Duration
	now           func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("%w: blob store is required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         cfg.Store,
		blobs:         cfg.Blobs,
		producer:      cfg.Producer,
		topic:         cfg.Topic,
		logger:        logger,
		presignExpiry: cfg.PresignExpiry,
		now:           time.Now,
	}, nil
}

// configDoc picks the two fields the pipeline needs out of the otherwise
// opaque publisher config.
type configDoc struct {
	Version        string `json:"version"`
	RuntimeVersion string `json:"runtimeVersion"`
}

type assetRef struct {
	Path string `json:"path"`
	Ext  string `json:"ext"`
}

type platformMetadata struct {
	Bundle string     `json:"bundle"`
	Assets []assetRef `json:"assets"`
}

type metadataDoc struct {
	FileMetadata struct {
		IOS     platformMetadata `json:"ios"`
		Android platformMetadata `json:"android"`
	} `json:"fileMetadata"`
}

// refFile is one file the submission references, with the path/ext pair
// needed to describe its upload target back to the publisher.
type refFile struct {
	path   string
	ext    string
	fileID string
}

// Submit runs the state machine once. Every call is safe to repeat or
// interleave with a crash; the publisher drives it to completion by
// resubmitting after uploads.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	cfg, meta, err := parseSubmission(req)
	if err != nil {
		return Result{}, err
	}

	updateID, err := contentaddr.UpdateID(req.Metadata)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	// A different content already published under this version is a hard
	// conflict. The same content falls through and reports
	// already-published below.
	published, err := s.store.FindPublishedByVersion(ctx, cfg.Version)
	switch {
	case err == nil && published.UpdateID != updateID:
		return Result{Status: StatusVersionConflict}, nil
	case err != nil && !errors.Is(err, update.ErrNotFound):
		return Result{}, err
	}

	created, u, err := s.store.CreateDraft(ctx, update.Update{
		UpdateID:       updateID,
		RuntimeVersion: cfg.RuntimeVersion,
		Version:        cfg.Version,
		Config:         req.Config,
		Type:           update.TypeNormal,
	})
	if err != nil {
		return Result{}, err
	}
	if u.Published() {
		return Result{Status: StatusAlreadyPublished}, nil
	}
	if created {
		s.logger.Info("draft created",
			"update_id", updateID,
			"runtime_version", cfg.RuntimeVersion,
			"version", cfg.Version)
	}

	referenced, idByRef, err := resolveFiles(meta, req.Files)
	if err != nil {
		return Result{}, err
	}

	if err := s.upsertRows(ctx, updateID, meta, referenced, idByRef); err != nil {
		return Result{}, err
	}

	missing, err := s.verify(ctx, fileIDs(referenced))
	if err != nil {
		return Result{}, err
	}

	if len(missing) > 0 {
		descriptors, err := s.presignMissing(ctx, referenced, missing)
		if err != nil {
			return Result{}, err
		}
		s.logger.Info("waiting for files", "update_id", updateID, "missing", len(descriptors))
		return Result{Status: StatusWaitingForFiles, Files: descriptors}, nil
	}

	publishedAt := s.now().UTC()
	won, err := s.store.SetPublished(ctx, updateID, publishedAt)
	if err != nil {
		return Result{}, err
	}
	if won {
		s.logger.Info("update published", "update_id", updateID, "version", cfg.Version)
		s.emitPublished(ctx, updateID, cfg, publishedAt)
	}
	// A lost race means someone else just published the same content; the
	// state converged either way.
	return Result{Status: StatusPublished}, nil
}

func parseSubmission(req SubmitRequest) (configDoc, metadataDoc, error) {
	var cfg configDoc
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return configDoc{}, metadataDoc{}, fmt.Errorf("%w: config: %v", ErrInvalidSubmission, err)
	}
	if strings.TrimSpace(cfg.Version) == "" {
		return configDoc{}, metadataDoc{}, fmt.Errorf("%w: config.version is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(cfg.RuntimeVersion) == "" {
		return configDoc{}, metadataDoc{}, fmt.Errorf("%w: config.runtimeVersion is required", ErrInvalidSubmission)
	}

	var meta metadataDoc
	if err := json.Unmarshal(req.Metadata, &meta); err != nil {
		return configDoc{}, metadataDoc{}, fmt.Errorf("%w: metadata: %v", ErrInvalidSubmission, err)
	}
	for _, pm := range []platformMetadata{meta.FileMetadata.IOS, meta.FileMetadata.Android} {
		if strings.TrimSpace(pm.Bundle) == "" {
			return configDoc{}, metadataDoc{}, fmt.Errorf("%w: metadata is missing a platform bundle", ErrInvalidSubmission)
		}
	}
	return cfg, meta, nil
}

// resolveFiles derives every referenced (path, ext) pair into a file id
// using the submitter's digests. A reference with no digest entry is an
// integrity failure for the whole submission. The returned slice is
// deduplicated by file id; the map keeps every reference, including ones
// whose content collapsed onto an already seen id.
func resolveFiles(meta metadataDoc, hashes []FileHash) ([]refFile, map[assetRef]string, error) {
	byRef := make(map[assetRef]FileHash, len(hashes))
	for _, h := range hashes {
		byRef[assetRef{Path: h.Path, Ext: h.Ext}] = h
	}

	refs := collectRefs(meta)
	out := make([]refFile, 0, len(refs))
	idByRef := make(map[assetRef]string, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		h, ok := byRef[ref]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s.%s", ErrMissingHash, ref.Path, ref.Ext)
		}
		id := contentaddr.Make(h.Key, h.Hash, h.Ext)
		idByRef[ref] = id
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, refFile{path: ref.Path, ext: ref.Ext, fileID: id})
	}
	return out, idByRef, nil
}

// FileRef is one (path, ext) pair a metadata document references.
type FileRef struct {
	Path string
	Ext  string
}

// ReferencedFiles lists every file a metadata document references,
// platform bundles included. The publisher CLI uses it to know what to
// hash and upload.
func ReferencedFiles(metadata json.RawMessage) ([]FileRef, error) {
	var meta metadataDoc
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidSubmission, err)
	}
	for _, pm := range []platformMetadata{meta.FileMetadata.IOS, meta.FileMetadata.Android} {
		if strings.TrimSpace(pm.Bundle) == "" {
			return nil, fmt.Errorf("%w: metadata is missing a platform bundle", ErrInvalidSubmission)
		}
	}
	refs := collectRefs(meta)
	out := make([]FileRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, FileRef{Path: ref.Path, Ext: ref.Ext})
	}
	return out, nil
}

func collectRefs(meta metadataDoc) []assetRef {
	var refs []assetRef
	refs = append(refs, meta.FileMetadata.IOS.Assets...)
	refs = append(refs, meta.FileMetadata.Android.Assets...)
	refs = append(refs,
		assetRef{Path: meta.FileMetadata.IOS.Bundle, Ext: "bundle"},
		assetRef{Path: meta.FileMetadata.Android.Bundle, Ext: "bundle"},
	)
	return refs
}

// upsertRows writes the file and asset rows for this submission. Both
// writes are single-statement batch upserts; repeating them is harmless.
func (s *Service) upsertRows(ctx context.Context, updateID string, meta metadataDoc, referenced []refFile, idByRef map[assetRef]string) error {
	presignedAt := s.now().UTC()
	files := make([]update.File, 0, len(referenced))
	for _, rf := range referenced {
		files = append(files, update.File{FileID: rf.fileID, Presigned: &presignedAt})
	}

	var assets []update.Asset
	appendPlatform := func(pm platformMetadata, platform update.Platform) {
		for _, ref := range pm.Assets {
			assets = append(assets, update.Asset{
				UpdateID: updateID,
				FileID:   idByRef[ref],
				Platform: platform,
			})
		}
		assets = append(assets, update.Asset{
			UpdateID:    updateID,
			FileID:      idByRef[assetRef{Path: pm.Bundle, Ext: "bundle"}],
			Platform:    platform,
			LaunchAsset: true,
		})
	}
	appendPlatform(meta.FileMetadata.IOS, update.PlatformIOS)
	appendPlatform(meta.FileMetadata.Android, update.PlatformAndroid)
	assets = dedupAssets(assets)

	if err := s.store.UpsertFiles(ctx, files); err != nil {
		return err
	}
	return s.store.UpsertAssets(ctx, assets)
}

// dedupAssets collapses duplicate (file, platform) references within one
// update; a launch-asset reference wins over a plain one.
func dedupAssets(assets []update.Asset) []update.Asset {
	type identity struct {
		fileID   string
		platform update.Platform
	}
	index := make(map[identity]int, len(assets))
	out := assets[:0]
	for _, a := range assets {
		id := identity{fileID: a.FileID, platform: a.Platform}
		if i, ok := index[id]; ok {
			if a.LaunchAsset {
				out[i].LaunchAsset = true
			}
			continue
		}
		index[id] = len(out)
		out = append(out, a)
	}
	return out
}

// verify runs the blob verification pass for the referenced files: list
// the whole bucket once, flag the unverified files that turned up, and
// return the ids still missing. Listing instead of per-key lookups is a
// deliberate cost tradeoff at this object count.
func (s *Service) verify(ctx context.Context, ids []string) ([]string, error) {
	unverified, err := s.store.UnverifiedFiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(unverified) == 0 {
		return nil, nil
	}

	entries, err := s.blobs.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(entries))
	var totalSize int64
	for _, e := range entries {
		present[e.Key] = struct{}{}
		totalSize += e.Size
	}
	s.logger.Info("bucket listed", "objects", len(entries), "bytes", totalSize)

	var found, missing []string
	for _, id := range unverified {
		if _, ok := present[id]; ok {
			found = append(found, id)
		} else {
			missing = append(missing, id)
		}
	}
	if len(found) > 0 {
		if err := s.store.MarkFilesVerified(ctx, found); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (s *Service) presignMissing(ctx context.Context, referenced []refFile, missing []string) ([]UploadDescriptor, error) {
	missingSet := make(map[string]struct{}, len(missing))
	for _, id := range missing {
		missingSet[id] = struct{}{}
	}

	out := make([]UploadDescriptor, 0, len(missing))
	for _, rf := range referenced {
		if _, ok := missingSet[rf.fileID]; !ok {
			continue
		}
		url, err := s.blobs.PresignPut(ctx, rf.fileID, contentaddr.ContentType(rf.ext), s.presignExpiry)
		if err != nil {
			return nil, fmt.Errorf("publish: presign %s: %w", rf.fileID, err)
		}
		out = append(out, UploadDescriptor{Path: rf.path, Ext: rf.ext, SignedPayload: url})
	}
	return out, nil
}

// emitPublished notifies downstream consumers. The transition is already
// durable, so a broker failure is logged rather than surfaced.
func (s *Service) emitPublished(ctx context.Context, updateID string, cfg configDoc, at time.Time) {
	err := events.EmitPublished(ctx, s.producer, s.topic, events.UpdatePublished{
		UpdateID:       updateID,
		RuntimeVersion: cfg.RuntimeVersion,
		Version:        cfg.Version,
		PublishedAt:    at,
	})
	if err != nil {
		s.logger.Error("emit published event", "update_id", updateID, "err", err)
	}
}

func fileIDs(referenced []refFile) []string {
	out := make([]string, 0, len(referenced))
	for _, rf := range referenced {
		out = append(out, rf.fileID)
	}
	return out
}
