package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cozy-creator/caption-server/internal/app"
	"github.com/cozy-creator/caption-server/internal/services/captioning"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoFormField = errors.New("multipart form has no fields")

// CaptionImage captions the first field of a multipart upload and answers
// 201 with the caption as plain text.
func CaptionImage(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	requestID := uuid.NewString()
	logger := app.Logger.With(zap.String("request_id", requestID))

	data, err := readFirstField(c)
	if err != nil {
		logger.Error("failed to read upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	caption, err := app.Captioner().Caption(c.Request.Context(), captioning.Request{ID: requestID, Image: data})
	if err != nil {
		logger.Error("failed to caption image", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.String(http.StatusCreated, caption)
}

// readFirstField returns the content of the first part of the form in wire
// order. Later parts are not read.
func readFirstField(c *gin.Context) ([]byte, error) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("failed to parse request body: %w", err)
	}

	part, err := reader.NextPart()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoFormField
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read form field: %w", err)
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		return nil, fmt.Errorf("failed to read form field %q: %w", part.FormName(), err)
	}

	return data, nil
}
