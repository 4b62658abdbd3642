package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"pdfchat/internal/app"
	"pdfchat/internal/cache"
	"pdfchat/internal/model"
	"pdfchat/internal/transport/http/response"
)

type Documents interface {
	List(ctx context.Context, userID uint) ([]model.Document, error)
	Get(ctx context.Context, userID, documentID uint) (*model.Document, error)
	Delete(ctx context.Context, userID, documentID uint) error
	Progress(ctx context.Context, userID, documentID uint) (cache.Progress, error)
	SetTags(ctx context.Context, userID, documentID uint, tags []string) (*model.Document, error)
	AddTag(ctx context.Context, userID, documentID uint, tag string) (*model.Document, error)
	RemoveTag(ctx context.Context, userID, documentID uint, tag string) (*model.Document, error)
	ListTags(ctx context.Context) ([]string, error)
}

type Ingestion interface {
	Submit(ctx context.Context, input app.UploadInput) (*model.Document, bool, error)
	Reingest(ctx context.Context, userID, documentID uint) (*model.Document, error)
}

type DocumentHandler struct {
	docs           Documents
	ingest         Ingestion
	maxUploadBytes int64
}

type SetTagsRequest struct {
	Tags []string `json:"tags" binding:"max=32"`
}

type AddTagRequest struct {
	Tag string `json:"tag" binding:"required,max=64"`
}

func NewDocumentHandler(docs Documents, ingest Ingestion, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{docs: docs, ingest: ingest, maxUploadBytes: maxUploadBytes}
}

// Upload accepts a multipart form with file, title and tags fields. A new
// document is answered with 202 while ingestion runs; a duplicate upload
// returns the existing document with 200.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, app.ErrDocumentTooLarge, "")
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file is required")
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		writeError(c, app.ErrDocumentTooLarge, "")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "read upload failed")
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "read upload failed")
		return
	}

	doc, created, err := h.ingest.Submit(c.Request.Context(), app.UploadInput{
		UserID:   userID,
		Title:    c.PostForm("title"),
		Filename: fileHeader.Filename,
		Raw:      raw,
		Tags:     app.ParseTagList(c.PostForm("tags")),
	})
	if err != nil {
		writeError(c, err, "upload document failed")
		return
	}
	if !created {
		response.OK(c, doc)
		return
	}
	response.Accepted(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	docs, err := h.docs.List(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	doc, err := h.docs.Get(c.Request.Context(), userID, documentID)
	if err != nil {
		writeError(c, err, "get document failed")
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) Progress(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	progress, err := h.docs.Progress(c.Request.Context(), userID, documentID)
	if err != nil {
		writeError(c, err, "get progress failed")
		return
	}
	response.OK(c, progress)
}

func (h *DocumentHandler) Reingest(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	doc, err := h.ingest.Reingest(c.Request.Context(), userID, documentID)
	if err != nil {
		writeError(c, err, "reingest document failed")
		return
	}
	response.Accepted(c, doc)
}

func (h *DocumentHandler) SetTags(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req SetTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	doc, err := h.docs.SetTags(c.Request.Context(), userID, documentID, req.Tags)
	if err != nil {
		writeError(c, err, "update tags failed")
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) AddTag(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req AddTagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	doc, err := h.docs.AddTag(c.Request.Context(), userID, documentID, req.Tag)
	if err != nil {
		writeError(c, err, "add tag failed")
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) RemoveTag(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	doc, err := h.docs.RemoveTag(c.Request.Context(), userID, documentID, c.Param("tag"))
	if err != nil {
		writeError(c, err, "remove tag failed")
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.docs.Delete(c.Request.Context(), userID, documentID); err != nil {
		writeError(c, err, "delete document failed")
		return
	}
	response.OK(c, gin.H{"id": documentID})
}

func (h *DocumentHandler) ListTags(c *gin.Context) {
	tags, err := h.docs.ListTags(c.Request.Context())
	if err != nil {
		writeError(c, err, "list tags failed")
		return
	}
	response.OK(c, tags)
}
