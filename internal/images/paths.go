package images

import (
	"fmt"
	"time"

	"github.com/pressline/mediastage/pkg/config"
	"github.com/pressline/mediastage/pkg/types"
	"github.com/pressline/mediastage/pkg/utils"
)

// stagingFolder returns the session-scoped folder new uploads land in,
// e.g. pressline/articles/covers/<sessionID>
func stagingFolder(cfg *config.UploadConfig, kind types.ImageKind, sessionID string) string {
	subFolder := cfg.ContentFolder
	if kind == types.KindCover {
		subFolder = cfg.CoverFolder
	}
	return fmt.Sprintf("%s/%s/%s", cfg.BaseFolder, subFolder, sessionID)
}

// destinationObjectID computes the permanent object path for a promoted
// image. The name combines a millisecond timestamp with a random token so
// repeated promotions into the same article never collide, and it never
// reuses the staging path.
func destinationObjectID(cfg *config.UploadConfig, categorySlug, articleSlug, fileName string) (string, error) {
	token, err := utils.RandomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate object token: %w", err)
	}

	name := fmt.Sprintf("%d_%s.%s", time.Now().UnixMilli(), token, utils.FileExtension(fileName))
	return fmt.Sprintf("%s/articles/%s/%s/%s", cfg.BaseFolder, categorySlug, articleSlug, name), nil
}
