package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ImageKind determines the staging folder convention for an upload
type ImageKind string

const (
	KindCover   ImageKind = "cover"
	KindContent ImageKind = "content"
)

// Valid reports whether the kind is one of the supported values
func (k ImageKind) Valid() bool {
	return k == KindCover || k == KindContent
}

// ImageState represents the lifecycle state of a staged image.
// There is no persisted "deleted" state: a deleted record is removed
// from the index entirely once the remote object has been dealt with.
type ImageState string

const (
	StateStaged   ImageState = "staged"
	StatePromoted ImageState = "promoted"
)

// StagedImage is a provisional upload tracked against an editing session
// until it is either promoted into a permanent per-article location or
// reclaimed.
type StagedImage struct {
	ID             uuid.UUID  `json:"id" gorm:"primaryKey"`
	SessionID      string     `json:"session_id" gorm:"not null;index:idx_staged_images_session_kind"`
	Kind           ImageKind  `json:"kind" gorm:"not null;index:idx_staged_images_session_kind"`
	RemoteURL      string     `json:"remote_url" gorm:"not null"`
	RemoteObjectID string     `json:"remote_object_id" gorm:"not null;uniqueIndex"`
	FileName       string     `json:"file_name" gorm:"not null"`
	FileSize       int64      `json:"file_size" gorm:"not null"`
	MimeType       string     `json:"mime_type" gorm:"not null"`
	State          ImageState `json:"state" gorm:"not null;default:staged;index"`
	PromotedURL    *string    `json:"promoted_url,omitempty"`
	PromotedObject *string    `json:"promoted_object_id,omitempty" gorm:"column:promoted_object_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at" gorm:"not null;index"`
}

// BeforeCreate generates a UUID for the staged image ID
func (s *StagedImage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// PromoteRequest asks for a batch of staged images to be moved to their
// permanent per-article location
type PromoteRequest struct {
	StagedImageIDs []uuid.UUID `json:"staged_image_ids" binding:"required,min=1"`
	CategorySlug   string      `json:"category_slug" binding:"required"`
	ArticleSlug    string      `json:"article_slug" binding:"required"`
}

// PromotedImage describes one successfully promoted image
type PromotedImage struct {
	ID          uuid.UUID `json:"id"`
	NewURL      string    `json:"new_url"`
	NewObjectID string    `json:"new_object_id"`
}

// PromoteFailure describes one image that could not be promoted
type PromoteFailure struct {
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

// Per-item failure reasons reported by a promote batch
const (
	FailureNotFound     = "not_found"
	FailureInvalidState = "invalid_state"
	FailureRemoteStore  = "remote_error"
	FailureInternal     = "internal_error"
)

// PromoteResult is the structured partial-success outcome of a promote
// batch; every requested id appears in exactly one of the two lists.
type PromoteResult struct {
	Succeeded []PromotedImage  `json:"succeeded"`
	Failed    []PromoteFailure `json:"failed"`
}

// StagedImageResponse is returned to the client after a successful upload
type StagedImageResponse struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	ObjectID  string    `json:"object_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CleanupResult reports how many staged records a cleanup or sweep reclaimed
type CleanupResult struct {
	Reclaimed int `json:"reclaimed"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
