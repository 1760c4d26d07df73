package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartotiler/internal/archive"
	"cartotiler/internal/archive/archivetest"
	"cartotiler/internal/encoder"
	"cartotiler/internal/encoder/encodertest"
	"cartotiler/internal/tileset"
)

const poiCollection = `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[7.048,43.667]},"properties":{"name":"POI"}}]}`

var poi = orb.Point{7.048, 43.667}

type fixture struct {
	srv       *Server
	store     *archive.Store
	enc       *encodertest.Encoder
	scheduler *tileset.Scheduler
	hook      *test.Hook
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupConfig(t, Config{Version: "test"})
}

func setupConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	root := t.TempDir()
	store, err := archive.NewStore(filepath.Join(root, "tilesets"))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	enc := &encodertest.Encoder{}
	builder, err := tileset.NewBuilder(store, enc, filepath.Join(root, "temp"), tileset.NewMetrics(reg), logger)
	require.NoError(t, err)
	scheduler := tileset.NewScheduler(builder, 2, time.Minute, logger)
	t.Cleanup(func() {
		if enc.Gate != nil {
			select {
			case <-enc.Gate:
			default:
				close(enc.Gate)
			}
		}
		scheduler.Close(context.Background())
	})

	srv, err := New(cfg, archive.NewReader(store, logger), scheduler, reg, logger)
	require.NoError(t, err)
	return &fixture{srv: srv, store: store, enc: enc, scheduler: scheduler, hook: hook}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (f *fixture) generate(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/tileset/generate-from-data", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return f.do(req)
}

func generateBody(projectID string, minZoom, maxZoom interface{}) string {
	body, _ := json.Marshal(map[string]interface{}{
		"projectId": projectID,
		"geojson":   json.RawMessage(poiCollection),
		"minZoom":   minZoom,
		"maxZoom":   maxZoom,
	})
	return string(body)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func tilePath(project string, t maptile.Tile) string {
	return fmt.Sprintf("/tiles/%s/%d/%d/%d.pbf", project, t.Z, t.X, t.Y)
}

func TestGenerateThenServeTiles(t *testing.T) {
	f := setup(t)

	rec := f.generate(generateBody("p1", 0, 15))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["tilesetId"])
	assert.Equal(t, f.store.Path("p1"), body["path"])
	stats := body["stats"].(map[string]interface{})
	assert.True(t, stats["size"].(float64) > 0)
	assert.NotEmpty(t, stats["created"])

	covering := maptile.At(poi, 15)
	req := httptest.NewRequest(http.MethodGet, tilePath("p1", covering), nil)
	req.Header.Set("Origin", "http://maps.example.com")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Body.Bytes())
	assert.Equal(t, "application/x-protobuf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	// without the .pbf suffix as well
	rec = f.get(fmt.Sprintf("/tiles/p1/%d/%d/%d", covering.Z, covering.X, covering.Y))
	assert.Equal(t, http.StatusOK, rec.Code)

	tag := rec.Header().Get("ETag")
	require.NotEmpty(t, tag)
	req = httptest.NewRequest(http.MethodGet, tilePath("p1", covering), nil)
	req.Header.Set("If-None-Match", tag)
	rec = f.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = f.get("/tiles/p1/15/0/0.pbf")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "not found")

	rec = f.get("/tiles/p1/999/0/0.pbf")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get("/tiles/p1/metadata")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "map-p1", decode(t, rec)["name"])
}

func TestTileRequestErrors(t *testing.T) {
	f := setup(t)

	tests := []struct {
		path string
		code int
	}{
		{"/tiles/p1/a/0/0.pbf", http.StatusBadRequest},
		{"/tiles/p1/1/0/zero.pbf", http.StatusBadRequest},
		{"/tiles/p1/0/0/0.pbf", http.StatusNotFound},
		{"/tiles/p1/metadata", http.StatusNotFound},
		{"/tiles/..%2Fetc/0/0/0.pbf", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := f.get(tt.path)
		assert.Equal(t, tt.code, rec.Code, tt.path)
		assert.NotEmpty(t, decode(t, rec)["error"], tt.path)
	}
}

func TestCorruptArchiveIsServerError(t *testing.T) {
	f := setup(t)
	require.NoError(t, os.WriteFile(f.store.Path("broken"), []byte("not sqlite"), 0o644))

	rec := f.get("/tiles/broken/0/0/0.pbf")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["project"] == "broken" {
			logged = true
		}
	}
	assert.True(t, logged, "corrupt archive must be logged at error level")
}

func TestGenerateValidation(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing project", `{"geojson":` + poiCollection + `}`},
		{"missing geojson", `{"projectId":"p1"}`},
		{"null geojson", `{"projectId":"p1","geojson":null}`},
		{"not a collection", `{"projectId":"p1","geojson":{"type":"Point","coordinates":[0,0]}}`},
		{"min above max", generateBody("p1", 10, 4)},
		{"zoom not an integer", generateBody("p1", "zero", 4)},
		{"zoom too deep", generateBody("p1", 0, 30)},
		{"project escaping the store", generateBody("../p1", 0, 4)},
		{"broken json", `{"projectId":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.generate(tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
	assert.Empty(t, f.enc.Requests(), "the engine never runs for rejected requests")
}

func TestGenerateZoomAsString(t *testing.T) {
	f := setup(t)
	rec := f.generate(generateBody("p1", "2", "6"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reqs := f.enc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].MinZoom)
	assert.Equal(t, 6, reqs[0].MaxZoom)
}

func TestGenerateEngineFailure(t *testing.T) {
	f := setup(t)
	f.enc.Err = &encoder.Error{ExitCode: 1, Stderr: "Did not read any valid geometries"}

	rec := f.generate(generateBody("p1", 0, 4))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "tileset generation failed", body["error"])
	assert.Contains(t, body["message"], "Did not read any valid geometries")
	assert.False(t, f.store.Exists("p1"))
}

func TestGenerateConflict(t *testing.T) {
	f := setup(t)
	f.enc.Gate = make(chan struct{})
	started := f.enc.Started()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- f.generate(generateBody("p1", 0, 4)) }()
	<-started

	rec := f.generate(generateBody("p1", 0, 4))
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/tileset/p1", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// a half-written engine output sits next to the archives
	reqs := f.enc.Requests()
	require.Len(t, reqs, 1)
	archivetest.Write(t, reqs[0].Output, map[string]string{"name": "partial"}, nil)
	assert.Equal(t, http.StatusNotFound, f.get("/tiles/p1/metadata").Code)
	rec = f.get("/projects")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	close(f.enc.Gate)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func multipartRequest(t *testing.T, filename, contentType string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="geojson"; filename=%q`, filename)}
		h["Content-Type"] = []string{contentType}
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(poiCollection))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/tileset/generate", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestGenerateUpload(t *testing.T) {
	f := setup(t)

	rec := f.do(multipartRequest(t, "layer.geojson", "application/octet-stream", map[string]string{
		"projectId": "p2",
		"layerName": "parcels",
		"maxZoom":   "8",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, f.store.Exists("p2"))

	reqs := f.enc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "parcels", reqs[0].LayerName)
	assert.Equal(t, 0, reqs[0].MinZoom)
	assert.Equal(t, 8, reqs[0].MaxZoom)
	_, err := os.Stat(reqs[0].Input)
	assert.True(t, os.IsNotExist(err), "uploaded copy is removed after the build")

	rec = f.do(multipartRequest(t, "layer.json", "application/json", map[string]string{"projectId": "p3"}))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(multipartRequest(t, "layer.shp", "application/octet-stream", map[string]string{"projectId": "p4"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(multipartRequest(t, "", "", map[string]string{"projectId": "p4"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(multipartRequest(t, "layer.geojson", "application/json", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.enc.Requests(), 2)
}

func TestUploadOutlivesReadTimeout(t *testing.T) {
	f := setupConfig(t, Config{Version: "test", ReadTimeout: 200 * time.Millisecond})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.srv.echo.Listener = ln
	go f.srv.Start()
	t.Cleanup(func() { f.srv.Shutdown(context.Background()) })

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		w.WriteField("projectId", "slow")
		part, err := w.CreateFormFile("geojson", "slow.geojson")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		body := []byte(poiCollection)
		for i := 0; i < len(body); i += len(body) / 4 {
			end := i + len(body)/4
			if end > len(body) {
				end = len(body)
			}
			part.Write(body[i:end])
			time.Sleep(150 * time.Millisecond)
		}
		pw.CloseWithError(w.Close())
	}()

	req, err := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/api/tileset/generate", pr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.True(t, f.store.Exists("slow"))
}

func TestTruncatedUploadIsNotAClientError(t *testing.T) {
	f := setup(t)
	full := multipartRequest(t, "layer.geojson", "application/json", map[string]string{"projectId": "p1"})
	data, err := io.ReadAll(full.Body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tileset/generate", bytes.NewReader(data[:len(data)-40]))
	req.Header.Set("Content-Type", full.Header.Get("Content-Type"))
	rec := f.do(req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	assert.Empty(t, f.enc.Requests())
}

func TestProjectsListAndDelete(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.generate(generateBody("p1", 0, 2)).Code)
	require.Equal(t, http.StatusOK, f.generate(generateBody("p2", 0, 2)).Code)

	rec := f.get("/projects")
	require.Equal(t, http.StatusOK, rec.Code)
	var projects []map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	require.Len(t, projects, 2)
	assert.Equal(t, "p1", projects[0]["id"])
	assert.Equal(t, "p1.mbtiles", projects[0]["filename"])
	assert.Equal(t, "/tiles/p1/{z}/{x}/{y}.pbf", projects[0]["tiles"])

	rec = f.get("/api/tileset/project/p1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "p1", body["projectId"])
	assert.Len(t, body["tilesets"], 1)

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/tileset/p1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
	assert.Equal(t, http.StatusNotFound, f.get("/tiles/p1/metadata").Code)

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/tileset/p1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get("/api/tileset/project/p1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["tilesets"], 0)
}

func TestHealth(t *testing.T) {
	f := setup(t)

	rec := f.get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, ServiceName, body["service"])
	assert.NotEmpty(t, body["timestamp"])

	rec = f.get("/health/detailed")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	engine := body["checks"].(map[string]interface{})["engine"].(map[string]interface{})
	assert.Equal(t, "encodertest", engine["version"])

	f.enc.Err = encoder.ErrUnavailable
	rec = f.get("/health/detailed")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", decode(t, rec)["status"])
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.generate(generateBody("p1", 0, 2)).Code)
	f.get("/tiles/p1/0/0/0.pbf")

	rec := f.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cartotiler_builds_total{result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), "cartotiler_http_requests_total")
}

func TestETagMatch(t *testing.T) {
	tag := etag([]byte("tile"))
	assert.True(t, etagMatch(tag, tag))
	assert.True(t, etagMatch(`"abc", W/`+tag, tag))
	assert.True(t, etagMatch("*", tag))
	assert.False(t, etagMatch(`"abc"`, tag))
	assert.NotEqual(t, tag, etag([]byte("other tile")))
}
