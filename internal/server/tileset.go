package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"cartotiler/internal/archive"
	"cartotiler/internal/tileset"
)

type generateFromDataRequest struct {
	GeoJSON   json.RawMessage `json:"geojson"`
	ProjectID string          `json:"projectId"`
	LayerName string          `json:"layerName"`
	MinZoom   json.RawMessage `json:"minZoom"`
	MaxZoom   json.RawMessage `json:"maxZoom"`
}

type generateResponse struct {
	Success   bool          `json:"success"`
	TilesetID string        `json:"tilesetId"`
	ProjectID string        `json:"projectId"`
	Path      string        `json:"path"`
	Stats     tileset.Stats `json:"stats"`
}

type projectTilesetsResponse struct {
	ProjectID string         `json:"projectId"`
	Tilesets  []archive.Info `json:"tilesets"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleGenerateFromData(c echo.Context) error {
	var body generateFromDataRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return err
		}
		return &tileset.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	trimmed := bytes.TrimSpace(body.GeoJSON)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &tileset.ValidationError{Field: "geojson", Reason: "is required"}
	}
	if body.ProjectID == "" {
		return &tileset.ValidationError{Field: "projectId", Reason: "is required"}
	}
	minZoom, err := zoomParam("minZoom", jsonScalar(body.MinZoom), tileset.DefaultMinZoom)
	if err != nil {
		return err
	}
	maxZoom, err := zoomParam("maxZoom", jsonScalar(body.MaxZoom), tileset.DefaultMaxZoom)
	if err != nil {
		return err
	}

	fc, dropped, err := tileset.PrepareCollection(trimmed)
	if err != nil {
		return err
	}
	if dropped > 0 {
		s.logger.WithField("project", body.ProjectID).Infof("dropped %d features without geometry", dropped)
	}

	return s.build(c, tileset.Request{
		ProjectID:  body.ProjectID,
		LayerName:  body.LayerName,
		MinZoom:    minZoom,
		MaxZoom:    maxZoom,
		Collection: fc,
	})
}

// uploadError tells a missing file apart from a body that could not be read.
func uploadError(err error) error {
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return &tileset.ValidationError{Field: "geojson", Reason: "a GeoJSON file is required"}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return echo.NewHTTPError(http.StatusRequestTimeout, "upload timed out").SetInternal(err)
	}
	return errors.Wrap(err, "read multipart upload")
}

func (s *Server) handleGenerate(c echo.Context) error {
	file, err := c.FormFile("geojson")
	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		return err
	}
	if err != nil {
		return uploadError(err)
	}
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".geojson") &&
		!strings.HasPrefix(file.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return &tileset.ValidationError{Field: "geojson", Reason: "only .geojson or application/json files are accepted"}
	}
	projectID := c.FormValue("projectId")
	if projectID == "" {
		return &tileset.ValidationError{Field: "projectId", Reason: "is required"}
	}
	minZoom, err := zoomParam("minZoom", c.FormValue("minZoom"), tileset.DefaultMinZoom)
	if err != nil {
		return err
	}
	maxZoom, err := zoomParam("maxZoom", c.FormValue("maxZoom"), tileset.DefaultMaxZoom)
	if err != nil {
		return err
	}

	path, err := s.saveUpload(file)
	if err != nil {
		return err
	}
	s.logger.WithField("project", projectID).WithField("file", file.Filename).
		WithField("size", file.Size).Info("received GeoJSON upload")

	return s.build(c, tileset.Request{
		ProjectID: projectID,
		LayerName: c.FormValue("layerName"),
		MinZoom:   minZoom,
		MaxZoom:   maxZoom,
		File:      path,
		OwnsFile:  true,
	})
}

// build waits for the scheduled build. If the client goes away first the
// build still completes and publishes.
func (s *Server) build(c echo.Context, req tileset.Request) error {
	res, err := s.scheduler.Build(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, generateResponse{
		Success:   true,
		TilesetID: res.TilesetID,
		ProjectID: res.ProjectID,
		Path:      res.Path,
		Stats:     res.Stats,
	})
}

// saveUpload copies an uploaded file into the build temp directory. The
// build request takes ownership of the copy.
func (s *Server) saveUpload(file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", errors.Wrap(err, "open upload")
	}
	defer src.Close()

	id, err := shortid.Generate()
	if err != nil {
		return "", errors.Wrap(err, "generate upload name")
	}
	path := filepath.Join(s.scheduler.Builder().TempDir(), "upload-"+id+".geojson")
	dst, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", path)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", errors.Wrapf(err, "write %s", path)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}

func (s *Server) handleProjectTilesets(c echo.Context) error {
	projectID := c.Param("projectId")
	resp := projectTilesetsResponse{ProjectID: projectID, Tilesets: []archive.Info{}}
	info, err := s.reader.Store().Stat(projectID)
	switch {
	case errors.Is(err, archive.ErrNotFound):
	case err != nil:
		return err
	default:
		resp.Tilesets = append(resp.Tilesets, info)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleDelete removes a project's archive. The tileset id of the route is the
// project id, as a project has exactly one archive.
func (s *Server) handleDelete(c echo.Context) error {
	projectID := c.Param("tilesetId")
	if s.scheduler.InProgress(projectID) {
		return tileset.ErrBuildInProgress
	}
	if err := s.reader.Store().Remove(projectID); err != nil {
		return errors.Wrapf(err, "tileset %s", projectID)
	}
	s.logger.WithField("project", projectID).Info("tileset deleted")
	return c.JSON(http.StatusOK, deleteResponse{Success: true, Message: "tileset " + projectID + " deleted"})
}

// zoomParam parses an optional zoom level given as a number or a numeric string.
func zoomParam(field, value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	z, err := strconv.Atoi(value)
	if err != nil {
		return 0, &tileset.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return z, nil
}

// jsonScalar returns a JSON number or string as its text, "" for absent or null.
func jsonScalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
