package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"

	"cartotiler/internal/archive"
	"cartotiler/internal/tilecoord"
)

type projectEntry struct {
	archive.Project
	Tiles tilecoord.Template `json:"tiles"`
}

func (s *Server) handleTile(c echo.Context) error {
	project := c.Param("project")
	z, errZ := strconv.Atoi(c.Param("z"))
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(strings.TrimSuffix(c.Param("y"), ".pbf"))
	if errZ != nil || errX != nil || errY != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid tile coordinates")
	}

	data, err := s.reader.Tile(c.Request().Context(), project, z, x, y)
	if err != nil {
		return errors.Wrapf(err, "tile %d/%d/%d of project %s", z, x, y, project)
	}

	h := c.Response().Header()
	tag := etag(data)
	h.Set(echo.HeaderCacheControl, "public, max-age="+strconv.Itoa(s.cfg.CacheMaxAge))
	h.Set("ETag", tag)
	if match := c.Request().Header.Get("If-None-Match"); match != "" && etagMatch(match, tag) {
		return c.NoContent(http.StatusNotModified)
	}
	if enc := archive.Encoding(data); enc != "" {
		h.Set(echo.HeaderContentEncoding, enc)
	}
	return c.Blob(http.StatusOK, archive.ContentType(archive.Format(data)), data)
}

func (s *Server) handleMetadata(c echo.Context) error {
	project := c.Param("project")
	md, err := s.reader.Metadata(c.Request().Context(), project)
	if err != nil {
		return errors.Wrapf(err, "project %s", project)
	}
	return c.JSON(http.StatusOK, md)
}

func (s *Server) handleProjects(c echo.Context) error {
	projects, err := s.reader.Projects()
	if err != nil {
		return err
	}
	tpl := tilecoord.Template(s.cfg.TileURL)
	entries := make([]projectEntry, 0, len(projects))
	for _, p := range projects {
		entries = append(entries, projectEntry{Project: p, Tiles: tpl.ForProject(p.ID)})
	}
	return c.JSON(http.StatusOK, entries)
}

// etag is a strong validator over the payload. Archives are replaced as a
// whole, so identical bytes mean an identical tile.
func etag(data []byte) string {
	return `"` + strconv.FormatUint(murmur3.Sum64(data), 16) + `"`
}

func etagMatch(header, tag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == tag {
			return true
		}
	}
	return false
}
