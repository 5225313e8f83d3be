package upload

import "errors"

// Client-caused failures. Call sites wrap these with detail; match with errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrSessionNotFound   = errors.New("upload session not found")
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
	ErrIncompleteUpload  = errors.New("upload is not complete")
	ErrUploadFinalized   = errors.New("upload already finalized")
)
