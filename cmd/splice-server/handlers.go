package main

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lgulliver/splice/internal/storage"
	"github.com/lgulliver/splice/internal/upload"
	"github.com/lgulliver/splice/pkg/types"
	"github.com/rs/zerolog/log"
)

// handleStatus godoc
//
//	@Summary	Liveness check
//	@Tags		Uploads
//	@Produce	json
//	@Success	200	{object}	types.StatusResponse
//	@Router		/status [get]
func handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, types.StatusResponse{Status: "ok"})
	}
}

// handleStart godoc
//
//	@Summary		Start an upload
//	@Description	Create an upload session expecting num_chunks chunks
//	@Tags			Uploads
//	@Accept			json
//	@Produce		json
//	@Param			request	body		types.StartRequest	true	"Upload declaration"
//	@Success		201		{object}	types.StartResponse
//	@Failure		400		{object}	types.ErrorResponse	"Invalid filename or chunk count"
//	@Router			/start [post]
func handleStart(svc *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.StartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{
				Error: "Invalid request format",
				Code:  types.CodeInvalidRequest,
			})
			return
		}

		id, err := svc.Start(c.Request.Context(), req.Filename, req.NumChunks)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, types.StartResponse{UploadID: id})
	}
}

// handleUploadPart godoc
//
//	@Summary		Upload one chunk
//	@Description	Accepts {"data": "<base64>"} or a raw application/octet-stream body. Resending a chunk is a no-op.
//	@Tags			Uploads
//	@Accept			json,octet-stream
//	@Param			upload_id	path	string	true	"Upload session id"
//	@Param			chunk_id	path	int		true	"Zero-based chunk index"
//	@Success		204
//	@Failure		400	{object}	types.ErrorResponse	"Chunk index out of range"
//	@Failure		404	{object}	types.ErrorResponse	"Unknown upload session"
//	@Failure		409	{object}	types.ErrorResponse	"Upload already completed"
//	@Failure		413	{object}	types.ErrorResponse	"Chunk too large"
//	@Router			/part/{upload_id}/{chunk_id} [post]
func handleUploadPart(svc *upload.Service, maxChunkBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUploadID(c)
		if !ok {
			return
		}

		index, err := strconv.Atoi(c.Param("chunk_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{
				Error: "chunk_id must be an integer",
				Code:  types.CodeInvalidChunkIndex,
			})
			return
		}

		payload, err := readChunkPayload(c, maxChunkBytes)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, types.ErrorResponse{
					Error: "Chunk exceeds the maximum allowed size",
					Code:  types.CodePayloadTooLarge,
				})
				return
			}
			c.JSON(http.StatusBadRequest, types.ErrorResponse{
				Error: "Invalid chunk payload: " + err.Error(),
				Code:  types.CodeInvalidRequest,
			})
			return
		}

		if err := svc.UploadPart(c.Request.Context(), id, index, payload); err != nil {
			writeError(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// handleComplete godoc
//
//	@Summary		Complete an upload
//	@Description	Assemble the uploaded chunks and return the file. Safe to retry.
//	@Tags			Uploads
//	@Produce		octet-stream
//	@Param			upload_id	path	string	true	"Upload session id"
//	@Success		200
//	@Failure		400	{object}	types.ErrorResponse	"Not all chunks received"
//	@Failure		404	{object}	types.ErrorResponse	"Unknown upload session"
//	@Router			/complete/{upload_id} [post]
func handleComplete(svc *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUploadID(c)
		if !ok {
			return
		}

		artifact, reader, err := svc.CompleteAndOpen(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		defer reader.Close()

		c.DataFromReader(http.StatusOK, artifact.Size, "application/octet-stream", reader, map[string]string{
			"Content-Disposition": contentDisposition(artifact.Filename),
		})
	}
}

func handleUploadInfo(svc *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUploadID(c)
		if !ok {
			return
		}

		info, err := svc.Info(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, info)
	}
}

// parseUploadID writes a 404 and returns false when the path id is not a
// well-formed session id, since no such session can exist.
func parseUploadID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("upload_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error: "Unknown upload_id",
			Code:  types.CodeSessionNotFound,
		})
		return uuid.Nil, false
	}
	return id, true
}

func readChunkPayload(c *gin.Context, maxChunkBytes int64) ([]byte, error) {
	if c.ContentType() == "application/octet-stream" {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxChunkBytes)
		return io.ReadAll(c.Request.Body)
	}

	// base64 inflates by 4/3, plus room for the JSON envelope
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxChunkBytes/3*4+1024)

	var req types.UploadPartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	if req.Data == nil {
		return nil, errors.New("data is required")
	}
	if int64(len(req.Data)) > maxChunkBytes {
		return nil, &http.MaxBytesError{Limit: maxChunkBytes}
	}
	return req.Data, nil
}

// contentDisposition builds an attachment header from the declared filename,
// keeping only its last path element.
func contentDisposition(filename string) string {
	name := filename
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		name = "upload.bin"
	}

	if header := mime.FormatMediaType("attachment", map[string]string{"filename": name}); header != "" {
		return header
	}
	return `attachment; filename="upload.bin"`
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, types.CodeInternal

	switch {
	case errors.Is(err, upload.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, types.CodeSessionNotFound
	case errors.Is(err, upload.ErrInvalidChunkIndex):
		status, code = http.StatusBadRequest, types.CodeInvalidChunkIndex
	case errors.Is(err, upload.ErrIncompleteUpload):
		status, code = http.StatusBadRequest, types.CodeIncompleteUpload
	case errors.Is(err, upload.ErrInvalidArgument):
		status, code = http.StatusBadRequest, types.CodeInvalidArgument
	case errors.Is(err, upload.ErrUploadFinalized):
		status, code = http.StatusConflict, types.CodeUploadFinalized
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("upload request failed")
		c.JSON(status, types.ErrorResponse{Error: "Internal server error", Code: code})
		return
	}

	c.JSON(status, types.ErrorResponse{Error: err.Error(), Code: code})
}
