package types

import "github.com/google/uuid"

// StartRequest declares a new chunked upload
type StartRequest struct {
	Filename  string `json:"filename"`
	NumChunks int    `json:"num_chunks"`
}

// StartResponse carries the id of a newly created upload session
type StartResponse struct {
	UploadID uuid.UUID `json:"upload_id"`
}

// UploadPartRequest carries one chunk as base64 in JSON
type UploadPartRequest struct {
	Data []byte `json:"data"`
}

// StatusResponse is returned by the liveness check
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes reported in ErrorResponse.Code
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidArgument   = "invalid_argument"
	CodeSessionNotFound   = "session_not_found"
	CodeInvalidChunkIndex = "invalid_chunk_index"
	CodeIncompleteUpload  = "incomplete_upload"
	CodeUploadFinalized   = "upload_finalized"
	CodePayloadTooLarge   = "payload_too_large"
	CodeInternal          = "internal_error"
)
