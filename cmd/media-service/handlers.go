package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pressline/mediastage/internal/images"
	"github.com/pressline/mediastage/pkg/types"
)

// handleUpload stages a new image of the given kind. Expects a multipart
// form with a "file" part and a "sessionId" field.
func handleUpload(service *images.Service, kind types.ImageKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.PostForm("sessionId")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "sessionId is required",
			})
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "No file provided",
			})
			return
		}

		// Reject oversized uploads before buffering the body
		if fileHeader.Size > service.Upload.MaxFileSize {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   fmt.Sprintf("File too large: maximum is %d bytes", service.Upload.MaxFileSize),
			})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Failed to read uploaded file",
			})
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Failed to read uploaded file",
			})
			return
		}

		mimeType := fileHeader.Header.Get("Content-Type")

		record, err := service.Stage(c.Request.Context(), sessionID, kind, content, fileHeader.Filename, mimeType)
		if err != nil {
			status, message := stagingErrorResponse(err)
			c.JSON(status, types.APIResponse{Success: false, Error: message})
			return
		}

		c.JSON(http.StatusCreated, types.APIResponse{
			Success: true,
			Data: types.StagedImageResponse{
				ID:        record.ID,
				URL:       record.RemoteURL,
				ObjectID:  record.RemoteObjectID,
				ExpiresAt: record.ExpiresAt,
			},
		})
	}
}

// handlePromote moves a batch of staged images to their permanent
// per-article locations. Partial success is the expected outcome: the
// response always carries both the succeeded and failed lists.
func handlePromote(service *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.PromoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Invalid request format",
			})
			return
		}

		result, err := service.Promote(c.Request.Context(), req.StagedImageIDs, req.CategorySlug, req.ArticleSlug)
		if err != nil {
			var validationErr *images.ValidationError
			if errors.As(err, &validationErr) {
				c.JSON(http.StatusBadRequest, types.APIResponse{
					Success: false,
					Error:   validationErr.Error(),
				})
				return
			}
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "Failed to promote images",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

// handleGetImage looks up a single staged image
func handleGetImage(service *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseImageID(c)
		if !ok {
			return
		}

		record, err := service.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, images.ErrNotFound) {
				c.JSON(http.StatusNotFound, types.APIResponse{
					Success: false,
					Error:   "Staged image not found",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "Failed to look up staged image",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: record})
	}
}

// handleDeleteImage explicitly reclaims one staged image
func handleDeleteImage(service *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseImageID(c)
		if !ok {
			return
		}

		if err := service.Delete(c.Request.Context(), id); err != nil {
			switch {
			case errors.Is(err, images.ErrNotFound):
				c.JSON(http.StatusNotFound, types.APIResponse{
					Success: false,
					Error:   "Staged image not found",
				})
			case errors.Is(err, images.ErrInvalidState):
				c.JSON(http.StatusConflict, types.APIResponse{
					Success: false,
					Error:   "Image is no longer staged",
				})
			default:
				c.JSON(http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error:   "Failed to delete staged image",
				})
			}
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Message: "Staged image deleted",
		})
	}
}

// handleCleanupSession reclaims every unpromoted image of a session
func handleCleanupSession(service *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		reclaimed, err := service.CleanupSession(c.Request.Context(), sessionID)
		if err != nil {
			var validationErr *images.ValidationError
			if errors.As(err, &validationErr) {
				c.JSON(http.StatusBadRequest, types.APIResponse{
					Success: false,
					Error:   validationErr.Error(),
				})
				return
			}
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "Failed to clean up session",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Data:    types.CleanupResult{Reclaimed: reclaimed},
		})
	}
}

func parseImageID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.APIResponse{
			Success: false,
			Error:   "Invalid image id",
		})
		return uuid.Nil, false
	}
	return id, true
}

// stagingErrorResponse maps a staging failure to an HTTP status
func stagingErrorResponse(err error) (int, string) {
	var validationErr *images.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, validationErr.Error()
	}

	var storeErr *images.RemoteStoreError
	if errors.As(err, &storeErr) {
		return http.StatusBadGateway, "Image upload failed, please retry"
	}

	return http.StatusInternalServerError, "Failed to stage image"
}
