package app

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUsernameExists    = errors.New("username already exists")
	ErrEmailExists       = errors.New("email already exists")
	ErrInvalidCredential = errors.New("invalid username or password")

	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentTooLarge  = errors.New("document exceeds upload limit")
	ErrExtractionFailure = errors.New("text extraction failed")
	ErrIngestEnqueue     = errors.New("ingestion enqueue failed")

	ErrSessionNotFound   = errors.New("session not found")
	ErrMessageEmpty      = errors.New("message content is empty")
	ErrRetrievalDegraded = errors.New("retrieval unavailable, answering without context")
	ErrGenerationFailure = errors.New("response generation failed")
)
