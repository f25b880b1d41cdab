package images

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressline/mediastage/internal/common"
	"github.com/pressline/mediastage/internal/imagestore"
	"github.com/pressline/mediastage/pkg/config"
	"github.com/pressline/mediastage/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MockObjectStore implements imagestore.ObjectStore for testing
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) Upload(ctx context.Context, content []byte, mimeType, folder string) (*imagestore.StoredObject, error) {
	args := m.Called(ctx, content, mimeType, folder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*imagestore.StoredObject), args.Error(1)
}

func (m *MockObjectStore) Rename(ctx context.Context, objectID, newObjectID string) (*imagestore.StoredObject, error) {
	args := m.Called(ctx, objectID, newObjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*imagestore.StoredObject), args.Error(1)
}

func (m *MockObjectStore) Delete(ctx context.Context, objectID string) error {
	args := m.Called(ctx, objectID)
	return args.Error(0)
}

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps the in-memory database shared across
	// goroutines (each new pool connection would get its own empty DB).
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&types.StagedImage{}))

	return &common.Database{DB: db}
}

func testUploadConfig() *config.UploadConfig {
	return &config.UploadConfig{
		MaxFileSize:   1024,
		AllowedTypes:  []string{"image/jpeg", "image/png", "image/webp"},
		StagingTTL:    24 * time.Hour,
		BaseFolder:    "pressline",
		CoverFolder:   "articles/covers",
		ContentFolder: "articles/content",
		SweepInterval: 5 * time.Minute,
	}
}

func setupTestService(t *testing.T) (*Service, *common.Database, *MockObjectStore) {
	db := setupTestDB(t)
	mockStore := &MockObjectStore{}

	service := NewService(db, mockStore, testUploadConfig(), 5*time.Second)
	return service, db, mockStore
}

// stageTestImage inserts a staged record directly, bypassing the store
func stageTestImage(t *testing.T, db *common.Database, sessionID string, expiresAt time.Time) *types.StagedImage {
	record := &types.StagedImage{
		SessionID:      sessionID,
		Kind:           types.KindContent,
		RemoteURL:      "https://store.example.com/" + uuid.NewString(),
		RemoteObjectID: "pressline/articles/content/" + sessionID + "/" + uuid.NewString(),
		FileName:       "photo.png",
		FileSize:       512,
		MimeType:       "image/png",
		State:          types.StateStaged,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      expiresAt,
	}
	require.NoError(t, db.Create(record).Error)
	return record
}

func promoteTestImage(t *testing.T, db *common.Database, record *types.StagedImage) {
	promotedURL := "https://store.example.com/promoted/" + record.ID.String()
	promotedObject := "pressline/articles/tech/some-article/" + record.ID.String() + ".png"
	res := db.Model(&types.StagedImage{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"state":              types.StatePromoted,
			"promoted_url":       promotedURL,
			"promoted_object_id": promotedObject,
		})
	require.NoError(t, res.Error)
	require.EqualValues(t, 1, res.RowsAffected)
}

func TestStage_Success(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()

	content := []byte("fake png bytes")
	mockStore.On("Upload", mock.Anything, content, "image/png", "pressline/articles/covers/session-1").
		Return(&imagestore.StoredObject{
			URL:      "https://store.example.com/abc",
			ObjectID: "pressline/articles/covers/session-1/abc",
		}, nil)

	record, err := service.Stage(ctx, "session-1", types.KindCover, content, "photo.png", "image/png")

	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotEqual(t, uuid.Nil, record.ID)
	assert.Equal(t, "session-1", record.SessionID)
	assert.Equal(t, types.KindCover, record.Kind)
	assert.Equal(t, types.StateStaged, record.State)
	assert.Equal(t, "https://store.example.com/abc", record.RemoteURL)
	assert.Equal(t, "pressline/articles/covers/session-1/abc", record.RemoteObjectID)
	assert.Equal(t, int64(len(content)), record.FileSize)
	assert.Nil(t, record.PromotedURL)
	assert.Equal(t, record.CreatedAt.Add(24*time.Hour), record.ExpiresAt)

	// A subsequent lookup returns the staged record
	fetched, err := service.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateStaged, fetched.State)
	assert.Equal(t, record.ExpiresAt.Unix(), fetched.ExpiresAt.Unix())

	var count int64
	require.NoError(t, db.Model(&types.StagedImage{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	mockStore.AssertExpectations(t)
}

func TestStage_ContentKindUsesContentFolder(t *testing.T) {
	service, _, mockStore := setupTestService(t)

	content := []byte("data")
	mockStore.On("Upload", mock.Anything, content, "image/webp", "pressline/articles/content/session-9").
		Return(&imagestore.StoredObject{URL: "https://store.example.com/x", ObjectID: "x"}, nil)

	_, err := service.Stage(context.Background(), "session-9", types.KindContent, content, "diagram.webp", "image/webp")

	require.NoError(t, err)
	mockStore.AssertExpectations(t)
}

func TestStage_ValidationRejectsWithoutRemoteCall(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		sessionID string
		kind      types.ImageKind
		content   []byte
		mimeType  string
	}{
		{
			name:      "missing session id",
			sessionID: "",
			kind:      types.KindCover,
			content:   []byte("data"),
			mimeType:  "image/png",
		},
		{
			name:      "session id with path traversal",
			sessionID: "../../../../escape",
			kind:      types.KindCover,
			content:   []byte("data"),
			mimeType:  "image/png",
		},
		{
			name:      "session id with separator",
			sessionID: "session/1",
			kind:      types.KindCover,
			content:   []byte("data"),
			mimeType:  "image/png",
		},
		{
			name:      "unsupported kind",
			sessionID: "session-1",
			kind:      types.ImageKind("avatar"),
			content:   []byte("data"),
			mimeType:  "image/png",
		},
		{
			name:      "empty content",
			sessionID: "session-1",
			kind:      types.KindCover,
			content:   nil,
			mimeType:  "image/png",
		},
		{
			name:      "file too large",
			sessionID: "session-1",
			kind:      types.KindCover,
			content:   make([]byte, 2048),
			mimeType:  "image/png",
		},
		{
			name:      "disallowed mime type",
			sessionID: "session-1",
			kind:      types.KindCover,
			content:   []byte("data"),
			mimeType:  "application/pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := service.Stage(ctx, tt.sessionID, tt.kind, tt.content, "file.png", tt.mimeType)

			assert.Nil(t, record)
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}

	// No remote call was attempted and no record was created
	mockStore.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	var count int64
	require.NoError(t, db.Model(&types.StagedImage{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestStage_RemoteFailureLeavesNoRecord(t *testing.T) {
	service, db, mockStore := setupTestService(t)

	mockStore.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("store unavailable"))

	record, err := service.Stage(context.Background(), "session-1", types.KindCover, []byte("data"), "photo.jpg", "image/jpeg")

	assert.Nil(t, record)
	var storeErr *RemoteStoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "upload", storeErr.Op)

	var count int64
	require.NoError(t, db.Model(&types.StagedImage{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestGet_NotFound(t *testing.T) {
	service, _, _ := setupTestService(t)

	_, err := service.Get(context.Background(), uuid.New())

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromote_Success(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()

	record := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))

	mockStore.On("Rename", mock.Anything, record.RemoteObjectID, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) {
			newObjectID := args.String(2)
			assert.True(t, strings.HasPrefix(newObjectID, "pressline/articles/tech/go-generics/"))
			assert.True(t, strings.HasSuffix(newObjectID, ".png"))
			assert.NotEqual(t, record.RemoteObjectID, newObjectID)
		}).
		Return(&imagestore.StoredObject{
			URL:      "https://store.example.com/final",
			ObjectID: "pressline/articles/tech/go-generics/final.png",
		}, nil)

	result, err := service.Promote(ctx, []uuid.UUID{record.ID}, "tech", "go-generics")

	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)
	assert.Empty(t, result.Failed)
	assert.Equal(t, record.ID, result.Succeeded[0].ID)
	assert.Equal(t, "https://store.example.com/final", result.Succeeded[0].NewURL)

	var updated types.StagedImage
	require.NoError(t, db.First(&updated, "id = ?", record.ID).Error)
	assert.Equal(t, types.StatePromoted, updated.State)
	require.NotNil(t, updated.PromotedURL)
	assert.Equal(t, "https://store.example.com/final", *updated.PromotedURL)
	require.NotNil(t, updated.PromotedObject)
	assert.Equal(t, "pressline/articles/tech/go-generics/final.png", *updated.PromotedObject)
	assert.Equal(t, "pressline/articles/tech/go-generics/final.png", updated.RemoteObjectID)

	mockStore.AssertExpectations(t)
}

func TestPromote_PartialSuccess(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()

	staged := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))
	alreadyPromoted := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))
	promoteTestImage(t, db, alreadyPromoted)
	missingID := uuid.New()

	mockStore.On("Rename", mock.Anything, staged.RemoteObjectID, mock.AnythingOfType("string")).
		Return(&imagestore.StoredObject{
			URL:      "https://store.example.com/moved",
			ObjectID: "pressline/articles/news/launch/moved.png",
		}, nil)

	result, err := service.Promote(ctx, []uuid.UUID{staged.ID, alreadyPromoted.ID, missingID}, "news", "launch")

	require.NoError(t, err)

	// Every id appears in exactly one of the two lists
	assert.Len(t, result.Succeeded, 1)
	assert.Len(t, result.Failed, 2)
	assert.Equal(t, staged.ID, result.Succeeded[0].ID)

	failures := map[uuid.UUID]string{}
	for _, f := range result.Failed {
		failures[f.ID] = f.Reason
	}
	assert.Equal(t, types.FailureInvalidState, failures[alreadyPromoted.ID])
	assert.Equal(t, types.FailureNotFound, failures[missingID])

	// The already-promoted record is unchanged and was not re-processed
	var unchanged types.StagedImage
	require.NoError(t, db.First(&unchanged, "id = ?", alreadyPromoted.ID).Error)
	assert.Equal(t, types.StatePromoted, unchanged.State)
	mockStore.AssertNumberOfCalls(t, "Rename", 1)
}

func TestPromote_RenameFailureLeavesRecordStaged(t *testing.T) {
	service, db, mockStore := setupTestService(t)

	record := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))

	mockStore.On("Rename", mock.Anything, record.RemoteObjectID, mock.AnythingOfType("string")).
		Return(nil, errors.New("rename timed out"))

	result, err := service.Promote(context.Background(), []uuid.UUID{record.ID}, "tech", "go-generics")

	require.NoError(t, err)
	assert.Empty(t, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, types.FailureRemoteStore, result.Failed[0].Reason)

	// The record stays staged: eligible for retry or expiry
	var unchanged types.StagedImage
	require.NoError(t, db.First(&unchanged, "id = ?", record.ID).Error)
	assert.Equal(t, types.StateStaged, unchanged.State)
	assert.Nil(t, unchanged.PromotedURL)
}

func TestPromote_InvalidSlugRejectedBeforeRemoteCall(t *testing.T) {
	service, db, mockStore := setupTestService(t)

	record := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))

	_, err := service.Promote(context.Background(), []uuid.UUID{record.ID}, "Tech Stuff!", "go-generics")

	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
	mockStore.AssertNotCalled(t, "Rename", mock.Anything, mock.Anything, mock.Anything)
}

func TestDelete_StagedImage(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()

	record := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))
	mockStore.On("Delete", mock.Anything, record.RemoteObjectID).Return(nil)

	require.NoError(t, service.Delete(ctx, record.ID))

	// The index entry is gone, not soft-flagged
	var count int64
	require.NoError(t, db.Model(&types.StagedImage{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	// Re-deleting behaves as not-found
	assert.ErrorIs(t, service.Delete(ctx, record.ID), ErrNotFound)
	mockStore.AssertExpectations(t)
}

func TestDelete_PromotedImageRejected(t *testing.T) {
	service, db, mockStore := setupTestService(t)

	record := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))
	promoteTestImage(t, db, record)

	err := service.Delete(context.Background(), record.ID)

	assert.ErrorIs(t, err, ErrInvalidState)
	mockStore.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDelete_RemoteFailureStillPurges(t *testing.T) {
	service, db, mockStore := setupTestService(t)

	record := stageTestImage(t, db, "session-1", time.Now().Add(time.Hour))
	mockStore.On("Delete", mock.Anything, record.RemoteObjectID).Return(errors.New("store unavailable"))

	require.NoError(t, service.Delete(context.Background(), record.ID))

	var count int64
	require.NoError(t, db.Model(&types.StagedImage{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestCleanupSession(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()

	first := stageTestImage(t, db, "session-a", time.Now().Add(time.Hour))
	second := stageTestImage(t, db, "session-a", time.Now().Add(time.Hour))
	otherSession := stageTestImage(t, db, "session-b", time.Now().Add(time.Hour))
	promoted := stageTestImage(t, db, "session-a", time.Now().Add(time.Hour))
	promoteTestImage(t, db, promoted)

	mockStore.On("Delete", mock.Anything, first.RemoteObjectID).Return(nil)
	mockStore.On("Delete", mock.Anything, second.RemoteObjectID).Return(nil)

	reclaimed, err := service.CleanupSession(ctx, "session-a")

	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)

	// The other session and the promoted image are untouched
	var remaining []types.StagedImage
	require.NoError(t, db.Find(&remaining).Error)
	assert.Len(t, remaining, 2)

	var stillStaged types.StagedImage
	require.NoError(t, db.First(&stillStaged, "id = ?", otherSession.ID).Error)
	assert.Equal(t, types.StateStaged, stillStaged.State)

	// Cleanup is idempotent: a second run reclaims nothing
	reclaimed, err = service.CleanupSession(ctx, "session-a")
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	mockStore.AssertExpectations(t)
}

func TestSweepExpired(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	now := time.Now().UTC()

	expired := stageTestImage(t, db, "session-a", now.Add(-time.Minute))
	fresh := stageTestImage(t, db, "session-a", now.Add(time.Hour))

	mockStore.On("Delete", mock.Anything, expired.RemoteObjectID).Return(nil)

	reclaimed, err := service.SweepExpired(context.Background(), now)

	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	// The expired record is purged, the fresh one remains staged
	var gone int64
	require.NoError(t, db.Model(&types.StagedImage{}).Where("id = ?", expired.ID).Count(&gone).Error)
	assert.EqualValues(t, 0, gone)

	var remaining types.StagedImage
	require.NoError(t, db.First(&remaining, "id = ?", fresh.ID).Error)
	assert.Equal(t, types.StateStaged, remaining.State)

	mockStore.AssertExpectations(t)
}

func TestSweepExpired_PromotedImagesAreExempt(t *testing.T) {
	service, db, mockStore := setupTestService(t)

	// Promoted a year past its original deadline: still never reclaimed
	record := stageTestImage(t, db, "session-a", time.Now().Add(-365*24*time.Hour))
	promoteTestImage(t, db, record)

	reclaimed, err := service.SweepExpired(context.Background(), time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	var untouched types.StagedImage
	require.NoError(t, db.First(&untouched, "id = ?", record.ID).Error)
	assert.Equal(t, types.StatePromoted, untouched.State)

	mockStore.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestSweepExpired_RemoteFailureStillPurges(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	now := time.Now().UTC()

	expired := stageTestImage(t, db, "session-a", now.Add(-time.Minute))
	mockStore.On("Delete", mock.Anything, expired.RemoteObjectID).Return(errors.New("store unavailable"))

	reclaimed, err := service.SweepExpired(context.Background(), now)

	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	var count int64
	require.NoError(t, db.Model(&types.StagedImage{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

// Sweep wins the race: the record is purged before the promote's state
// check runs, so the promote reports not_found and never calls rename.
func TestPromoteAfterSweep_ReportsNotFound(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	record := stageTestImage(t, db, "session-a", now.Add(-time.Minute))
	mockStore.On("Delete", mock.Anything, record.RemoteObjectID).Return(nil)

	reclaimed, err := service.SweepExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	result, err := service.Promote(ctx, []uuid.UUID{record.ID}, "tech", "go-generics")
	require.NoError(t, err)
	assert.Empty(t, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, types.FailureNotFound, result.Failed[0].Reason)

	mockStore.AssertNotCalled(t, "Rename", mock.Anything, mock.Anything, mock.Anything)
}

// Promote wins the race: the sweep finds the record already promoted and
// skips it, even though its original deadline has passed.
func TestSweepAfterPromote_SkipsRecord(t *testing.T) {
	service, db, mockStore := setupTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	record := stageTestImage(t, db, "session-a", now.Add(-time.Minute))

	mockStore.On("Rename", mock.Anything, record.RemoteObjectID, mock.AnythingOfType("string")).
		Return(&imagestore.StoredObject{
			URL:      "https://store.example.com/moved",
			ObjectID: "pressline/articles/tech/go-generics/moved.png",
		}, nil)

	result, err := service.Promote(ctx, []uuid.UUID{record.ID}, "tech", "go-generics")
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)

	reclaimed, err := service.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	var untouched types.StagedImage
	require.NoError(t, db.First(&untouched, "id = ?", record.ID).Error)
	assert.Equal(t, types.StatePromoted, untouched.State)

	mockStore.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}
