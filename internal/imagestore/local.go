package imagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LocalStore implements ObjectStore on the local filesystem. It exists for
// development and tests; object IDs are relative file paths under basePath
// and URLs are served from a configured public base URL.
type LocalStore struct {
	basePath      string
	publicBaseURL string
	mutex         sync.Mutex // For concurrent access safety
}

// NewLocalStore creates a new local store instance
func NewLocalStore(basePath, publicBaseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create store directory")
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local object store initialized")
	return &LocalStore{
		basePath:      basePath,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}, nil
}

// Upload writes content under the given folder with an atomic temp-file
// rename, mirroring how a remote store assigns a generated object name.
func (ls *LocalStore) Upload(ctx context.Context, content []byte, mimeType, folder string) (*StoredObject, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	objectID := folder + "/" + uuid.NewString()
	fullPath, err := ls.objectPath(objectID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		log.Error().Err(err).Str("object_id", objectID).Msg("failed to create object directory")
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	// Atomic write: temp file in the target directory, then rename
	tempPath := fullPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		log.Error().Err(err).Str("object_id", objectID).Msg("failed to write temporary file")
		return nil, fmt.Errorf("failed to write content: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		log.Error().Err(err).Str("object_id", objectID).Msg("failed to move temporary file into place")
		return nil, fmt.Errorf("failed to finalize object: %w", err)
	}

	log.Debug().
		Str("object_id", objectID).
		Str("mime_type", mimeType).
		Int("size", len(content)).
		Msg("object stored")

	return &StoredObject{
		URL:      ls.objectURL(objectID),
		ObjectID: objectID,
	}, nil
}

// Rename moves an object to a new object path
func (ls *LocalStore) Rename(ctx context.Context, objectID, newObjectID string) (*StoredObject, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	oldPath, err := ls.objectPath(objectID)
	if err != nil {
		return nil, err
	}
	newPath, err := ls.objectPath(newObjectID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", objectID)
		}
		log.Error().Err(err).Str("object_id", objectID).Str("new_object_id", newObjectID).Msg("failed to rename object")
		return nil, fmt.Errorf("failed to rename object: %w", err)
	}

	log.Debug().Str("object_id", objectID).Str("new_object_id", newObjectID).Msg("object renamed")

	return &StoredObject{
		URL:      ls.objectURL(newObjectID),
		ObjectID: newObjectID,
	}, nil
}

// Delete removes an object; a missing object is treated as already deleted
func (ls *LocalStore) Delete(ctx context.Context, objectID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath, err := ls.objectPath(objectID)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("object_id", objectID).Msg("object already deleted or does not exist")
			return nil
		}
		log.Error().Err(err).Str("object_id", objectID).Msg("failed to delete object")
		return fmt.Errorf("failed to delete object: %w", err)
	}

	log.Debug().Str("object_id", objectID).Msg("object deleted")
	return nil
}

// objectPath resolves an object ID to an absolute path, rejecting any ID
// whose ".." segments would resolve outside the store root
func (ls *LocalStore) objectPath(objectID string) (string, error) {
	fullPath := filepath.Join(ls.basePath, filepath.FromSlash(objectID))
	root := filepath.Clean(ls.basePath)
	if fullPath != root && !strings.HasPrefix(fullPath, root+string(filepath.Separator)) {
		log.Warn().Str("object_id", objectID).Msg("object id escapes store root, rejecting")
		return "", fmt.Errorf("invalid object id: %s", objectID)
	}
	return fullPath, nil
}

func (ls *LocalStore) objectURL(objectID string) string {
	return ls.publicBaseURL + "/" + objectID
}

var _ ObjectStore = (*LocalStore)(nil)
