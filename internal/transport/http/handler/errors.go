package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pdfchat/internal/app"
	"pdfchat/internal/extract"
	"pdfchat/internal/retriever"
	"pdfchat/internal/transport/http/middleware"
	"pdfchat/internal/transport/http/response"
)

// writeError maps service errors onto the response envelope. Anything it
// does not recognise is reported as fallback with a 500.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, retriever.ErrInvalidQuery):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrUsernameExists):
		response.Error(c, http.StatusConflict, response.CodeUsernameExists, err.Error())
	case errors.Is(err, app.ErrEmailExists):
		response.Error(c, http.StatusConflict, response.CodeEmailExists, err.Error())
	case errors.Is(err, app.ErrInvalidCredential):
		response.Error(c, http.StatusUnauthorized, response.CodeInvalidCredentials, err.Error())
	case errors.Is(err, app.ErrMessageEmpty):
		response.Error(c, http.StatusBadRequest, response.CodeMessageEmpty, err.Error())
	case errors.Is(err, retriever.ErrQueryTooLong):
		response.Error(c, http.StatusBadRequest, response.CodeQueryTooLong, err.Error())
	case errors.Is(err, extract.ErrUnsupportedFormat):
		response.Error(c, http.StatusUnsupportedMediaType, response.CodeUnsupportedFormat, err.Error())
	case errors.Is(err, app.ErrExtractionFailure):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeExtractionFailed, err.Error())
	case errors.Is(err, app.ErrDocumentTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeDocumentTooLarge, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, err.Error())
	case errors.Is(err, app.ErrIngestEnqueue):
		response.Error(c, http.StatusServiceUnavailable, response.CodeEnqueueFailed, err.Error())
	case errors.Is(err, app.ErrGenerationFailure):
		response.Error(c, http.StatusBadGateway, response.CodeGenerationFailed, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func currentUser(c *gin.Context) (uint, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
	}
	return userID, ok
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func queryID(c *gin.Context, name string) (uint, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
