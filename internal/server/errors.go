package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"cartotiler/internal/archive"
	"cartotiler/internal/tileset"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// classify picks the status and body for err. Engine failures carry their
// diagnostics in Message; they are not retried.
func classify(err error) (int, errorResponse) {
	var he *echo.HTTPError
	var verr *tileset.ValidationError
	switch {
	case errors.As(err, &he):
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, errorResponse{Error: msg}
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorResponse{Error: verr.Error()}
	case errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error()}
	case errors.Is(err, tileset.ErrBuildInProgress):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	case errors.Is(err, tileset.ErrClosed):
		return http.StatusServiceUnavailable, errorResponse{Error: err.Error()}
	case tileset.IsBuildFailure(err):
		return http.StatusInternalServerError, errorResponse{Error: "tileset generation failed", Message: err.Error()}
	case errors.Is(err, archive.ErrCorrupt):
		return http.StatusInternalServerError, errorResponse{Error: "tileset archive is unreadable", Message: err.Error()}
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal server error", Message: err.Error()}
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, body := classify(err)
	logger := s.logger.WithField("uri", c.Request().RequestURI).WithError(err)
	switch {
	case code == http.StatusNotFound:
		logger.Debug("not found")
	case code >= http.StatusInternalServerError:
		logger.Error("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		s.logger.WithError(err).Warn("write error response")
	}
}
