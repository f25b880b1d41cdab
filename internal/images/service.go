package images

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressline/mediastage/internal/common"
	"github.com/pressline/mediastage/internal/imagestore"
	"github.com/pressline/mediastage/pkg/config"
	"github.com/pressline/mediastage/pkg/types"
	"github.com/pressline/mediastage/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service handles the staged image lifecycle: admission of new uploads,
// batch promotion into permanent per-article locations, and reclamation
// of abandoned uploads.
type Service struct {
	DB          *common.Database
	Store       imagestore.ObjectStore
	Upload      *config.UploadConfig
	callTimeout time.Duration
}

// NewService creates a new staged image service
func NewService(db *common.Database, store imagestore.ObjectStore, upload *config.UploadConfig, callTimeout time.Duration) *Service {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Service{
		DB:          db,
		Store:       store,
		Upload:      upload,
		callTimeout: callTimeout,
	}
}

// storeCtx bounds a single object store call
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// Stage validates and admits a new upload. Validation runs before any
// remote I/O; a rejected upload performs no store call and creates no
// record. A store failure surfaces as *RemoteStoreError with no record
// created, so the caller may simply retry the whole operation.
func (s *Service) Stage(ctx context.Context, sessionID string, kind types.ImageKind, content []byte, fileName, mimeType string) (*types.StagedImage, error) {
	if sessionID == "" {
		return nil, &ValidationError{Reason: "session id is required"}
	}
	if !utils.ValidSessionID(sessionID) {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid session id: %s", sessionID)}
	}
	if !kind.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported image kind: %s", kind)}
	}
	if len(content) == 0 {
		return nil, &ValidationError{Reason: "no file content provided"}
	}
	if int64(len(content)) > s.Upload.MaxFileSize {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("file too large: %d bytes exceeds maximum of %d", len(content), s.Upload.MaxFileSize),
		}
	}
	if !s.mimeTypeAllowed(mimeType) {
		return nil, &ValidationError{Reason: fmt.Sprintf("file type not allowed: %s", mimeType)}
	}

	folder := stagingFolder(s.Upload, kind, sessionID)

	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	object, err := s.Store.Upload(callCtx, content, mimeType, folder)
	if err != nil {
		log.Error().Err(err).
			Str("session_id", sessionID).
			Str("kind", string(kind)).
			Str("folder", folder).
			Msg("staging upload failed")
		return nil, &RemoteStoreError{Op: "upload", Err: err}
	}

	now := time.Now().UTC()
	record := &types.StagedImage{
		SessionID:      sessionID,
		Kind:           kind,
		RemoteURL:      object.URL,
		RemoteObjectID: object.ObjectID,
		FileName:       fileName,
		FileSize:       int64(len(content)),
		MimeType:       mimeType,
		State:          types.StateStaged,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.Upload.StagingTTL),
	}

	if err := s.DB.WithContext(ctx).Create(record).Error; err != nil {
		// The object is already remote; reclaim it best-effort so a failed
		// insert does not leak storage.
		s.deleteRemote(ctx, object.ObjectID)
		return nil, fmt.Errorf("failed to persist staged image: %w", err)
	}

	log.Info().
		Str("staged_image_id", record.ID.String()).
		Str("session_id", sessionID).
		Str("kind", string(kind)).
		Str("object_id", object.ObjectID).
		Int64("size", record.FileSize).
		Time("expires_at", record.ExpiresAt).
		Msg("image staged")

	return record, nil
}

// Get looks up a staged image by id
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.StagedImage, error) {
	var record types.StagedImage
	if err := s.DB.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up staged image: %w", err)
	}
	return &record, nil
}

// Promote moves a batch of staged images to their permanent per-article
// locations. Items are processed independently: a failure on one never
// blocks or rolls back the others, and every requested id lands in
// exactly one of the result's two lists.
func (s *Service) Promote(ctx context.Context, ids []uuid.UUID, categorySlug, articleSlug string) (*types.PromoteResult, error) {
	if len(ids) == 0 {
		return nil, &ValidationError{Reason: "no staged image ids provided"}
	}
	if !utils.ValidSlug(categorySlug) {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid category slug: %s", categorySlug)}
	}
	if !utils.ValidSlug(articleSlug) {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid article slug: %s", articleSlug)}
	}

	result := &types.PromoteResult{
		Succeeded: []types.PromotedImage{},
		Failed:    []types.PromoteFailure{},
	}

	for _, id := range ids {
		if promoted, reason := s.promoteOne(ctx, id, categorySlug, articleSlug); promoted != nil {
			result.Succeeded = append(result.Succeeded, *promoted)
		} else {
			result.Failed = append(result.Failed, types.PromoteFailure{ID: id, Reason: reason})
		}
	}

	log.Info().
		Str("category_slug", categorySlug).
		Str("article_slug", articleSlug).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("promotion batch completed")

	return result, nil
}

// promoteOne applies the Staged -> Promoted transition for a single id.
// It returns either the promoted image or a per-item failure reason.
func (s *Service) promoteOne(ctx context.Context, id uuid.UUID, categorySlug, articleSlug string) (*types.PromotedImage, string) {
	record, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Str("staged_image_id", id.String()).Msg("staged image not found during promotion")
			return nil, types.FailureNotFound
		}
		log.Error().Err(err).Str("staged_image_id", id.String()).Msg("failed to load staged image for promotion")
		return nil, types.FailureInternal
	}

	if record.State != types.StateStaged {
		return nil, types.FailureInvalidState
	}

	newObjectID, err := destinationObjectID(s.Upload, categorySlug, articleSlug, record.FileName)
	if err != nil {
		log.Error().Err(err).Str("staged_image_id", id.String()).Msg("failed to compute destination path")
		return nil, types.FailureInternal
	}

	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	object, err := s.Store.Rename(callCtx, record.RemoteObjectID, newObjectID)
	if err != nil {
		// The record stays Staged: eligible for a later retry or for expiry.
		log.Warn().Err(err).
			Str("staged_image_id", id.String()).
			Str("object_id", record.RemoteObjectID).
			Str("new_object_id", newObjectID).
			Msg("object store rename failed")
		return nil, types.FailureRemoteStore
	}

	// Compare-and-set on state so a concurrent sweep or promote cannot
	// double-apply the transition.
	res := s.DB.WithContext(ctx).
		Model(&types.StagedImage{}).
		Where("id = ? AND state = ?", id, types.StateStaged).
		Updates(map[string]interface{}{
			"state":              types.StatePromoted,
			"remote_url":         object.URL,
			"remote_object_id":   object.ObjectID,
			"promoted_url":       object.URL,
			"promoted_object_id": object.ObjectID,
		})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("staged_image_id", id.String()).Msg("failed to record promotion")
		return nil, types.FailureInternal
	}
	if res.RowsAffected == 0 {
		// Lost the race against a concurrent sweep or promote.
		log.Warn().Str("staged_image_id", id.String()).Msg("staged image changed state during promotion")
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, types.FailureNotFound
		}
		return nil, types.FailureInvalidState
	}

	log.Info().
		Str("staged_image_id", id.String()).
		Str("new_object_id", object.ObjectID).
		Msg("image promoted")

	return &types.PromotedImage{ID: id, NewURL: object.URL, NewObjectID: object.ObjectID}, ""
}

// Delete explicitly reclaims a single staged image. Promoted images are
// permanent and cannot be deleted through the staging pipeline.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.State != types.StateStaged {
		return ErrInvalidState
	}

	if !s.reclaim(ctx, record) {
		// A concurrent promote or sweep got there first.
		return ErrNotFound
	}
	return nil
}

// CleanupSession reclaims every staged (unpromoted) image belonging to an
// abandoned editing session. Running it twice is safe: the second pass
// finds nothing and reclaims zero records.
func (s *Service) CleanupSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, &ValidationError{Reason: "session id is required"}
	}

	var records []types.StagedImage
	err := s.DB.WithContext(ctx).
		Where("session_id = ? AND state = ?", sessionID, types.StateStaged).
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list session images: %w", err)
	}

	reclaimed := 0
	for i := range records {
		if s.reclaim(ctx, &records[i]) {
			reclaimed++
		}
	}

	log.Info().
		Str("session_id", sessionID).
		Int("reclaimed", reclaimed).
		Msg("session cleanup completed")

	return reclaimed, nil
}

// SweepExpired reclaims every staged image whose TTL deadline has passed.
// Promoted images are exempt regardless of age. Safe to run concurrently
// with staging and promotion: each purge is guarded by a state check.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var records []types.StagedImage
	err := s.DB.WithContext(ctx).
		Where("state = ? AND expires_at <= ?", types.StateStaged, now).
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired images: %w", err)
	}

	reclaimed := 0
	for i := range records {
		if s.reclaim(ctx, &records[i]) {
			reclaimed++
		}
	}

	if reclaimed > 0 {
		log.Info().Int("reclaimed", reclaimed).Msg("expired staged images reclaimed")
	}

	return reclaimed, nil
}

// reclaim applies the Staged -> Deleted transition: best-effort remote
// delete, then an unconditional purge of the index entry. A remote delete
// failure is logged but never blocks the purge; the occasional orphaned
// remote object is accepted rather than an index entry that can never be
// resolved. Returns false when a concurrent transition already removed or
// promoted the record.
func (s *Service) reclaim(ctx context.Context, record *types.StagedImage) bool {
	s.deleteRemote(ctx, record.RemoteObjectID)

	res := s.DB.WithContext(ctx).
		Where("id = ? AND state = ?", record.ID, types.StateStaged).
		Delete(&types.StagedImage{})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("staged_image_id", record.ID.String()).Msg("failed to purge staged image")
		return false
	}
	if res.RowsAffected == 0 {
		log.Debug().Str("staged_image_id", record.ID.String()).Msg("staged image already transitioned, skipping purge")
		return false
	}

	log.Debug().
		Str("staged_image_id", record.ID.String()).
		Str("session_id", record.SessionID).
		Msg("staged image reclaimed")
	return true
}

// deleteRemote removes an object from the store, logging failures instead
// of propagating them
func (s *Service) deleteRemote(ctx context.Context, objectID string) {
	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.Store.Delete(callCtx, objectID); err != nil {
		log.Warn().Err(err).Str("object_id", objectID).Msg("object store delete failed, continuing")
	}
}

func (s *Service) mimeTypeAllowed(mimeType string) bool {
	for _, allowed := range s.Upload.AllowedTypes {
		if mimeType == allowed {
			return true
		}
	}
	return false
}
