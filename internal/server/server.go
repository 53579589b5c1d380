// Package server publishes a finished export over HTTP for devices that
// fetch pages on demand.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/sdvram/internal/version"
	"github.com/samcharles93/sdvram/pkg/paged"
)

// Store is the read side of a blob store.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// Server serves the export found in a store. The export is re-read on every
// request, so a newer index.json is picked up without a restart.
type Server struct {
	store Store
}

func New(store Store) *Server {
	return &Server{store: store}
}

// Echo returns an echo instance with the standard middleware and all routes.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/index.json", s.handleIndex)
	e.GET("/v1/artifacts/:name", s.handleArtifact)
	e.GET("/v1/tensors", s.handleListTensors)
	e.GET("/v1/tensors/:name", s.handleTensor)
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{"error": errorBody{Message: msg, Type: errType}})
}

func exportError(c *echo.Context, err error) error {
	if errors.Is(err, paged.ErrIncompleteExport) {
		return writeError(c, http.StatusServiceUnavailable, "export_incomplete", err.Error())
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
}

func (s *Server) handleIndex(c *echo.Context) error {
	if _, err := paged.OpenExport(c.Request().Context(), s.store); err != nil {
		return exportError(c, err)
	}
	return s.serveBlob(c, paged.IndexName, echo.MIMEApplicationJSON)
}

func (s *Server) handleArtifact(c *echo.Context) error {
	exp, err := paged.OpenExport(c.Request().Context(), s.store)
	if err != nil {
		return exportError(c, err)
	}
	name := c.Param("name")
	if !referenced(exp, name) {
		return writeError(c, http.StatusNotFound, "not_found_error", fmt.Sprintf("artifact %q is not part of the export", name))
	}
	return s.serveBlob(c, name, echo.MIMEOctetStream)
}

func (s *Server) serveBlob(c *echo.Context, name, contentType string) error {
	data, err := s.store.Get(c.Request().Context(), name)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	etag := ETag(data)
	h := c.Response().Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "no-cache")
	if match := c.Request().Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// ETag is the strong entity tag of an artifact: its quoted hex xxhash64.
func ETag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}

func etagMatches(header, etag string) bool {
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == etag {
			return true
		}
	}
	return false
}

func referenced(exp *paged.Export, name string) bool {
	m := exp.Manifest()
	for _, key := range m.Keys() {
		e, _ := m.Get(key)
		if slices.Contains(e.Files, name) {
			return true
		}
	}
	return false
}

// TensorInfo is the JSON summary of an exported tensor.
type TensorInfo struct {
	Name   string   `json:"name"`
	Rows   int      `json:"rows"`
	Cols   int      `json:"cols"`
	Pages  []string `json:"pages"`
	Scale  float32  `json:"scale"`
	Masked bool     `json:"masked"`
	Kept   int      `json:"kept_blocks,omitempty"`
	Blocks int      `json:"blocks,omitempty"`
}

func (s *Server) handleListTensors(c *echo.Context) error {
	exp, err := paged.OpenExport(c.Request().Context(), s.store)
	if err != nil {
		return exportError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tensors": exp.Tensors(),
		"files":   exp.Files(),
	})
}

func (s *Server) handleTensor(c *echo.Context) error {
	exp, err := paged.OpenExport(c.Request().Context(), s.store)
	if err != nil {
		return exportError(c, err)
	}
	ctx := c.Request().Context()
	name := c.Param("name")
	rows, cols, err := exp.Shape(name)
	if err != nil {
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error())
	}
	pages, err := exp.Pages(name)
	if err != nil {
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error())
	}
	qt, err := exp.Tensor(ctx, name)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	info := TensorInfo{Name: name, Rows: rows, Cols: cols, Pages: pages, Scale: qt.Scale}
	if exp.HasMask(name) {
		mask, err := exp.Mask(ctx, name)
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
		info.Masked, info.Kept, info.Blocks = true, mask.Kept(), mask.Blocks()
	}
	return c.JSON(http.StatusOK, info)
}
