// Package storeapi serves a store.Store over the Firebase Realtime Database
// REST wire format: /{collection}.json and /{collection}/{id}.json.
package storeapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"bookmarket/pkg/store"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
)

const (
	headerETag        = "ETag"
	headerWantETag    = "X-Firebase-ETag"
	headerIfMatch     = "if-match"
	contentTypeJSON   = "application/json"
	maxRecordBodySize = 1 << 20
)

var nullBody = []byte("null")

type handler struct {
	store store.Store
	log   *slog.Logger
}

// Register mounts the REST routes on r.
func Register(r gin.IRouter, s store.Store, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{store: s, log: log.With("component", "storeapi")}
	r.GET("/:collection", h.list)
	r.POST("/:collection", h.create)
	r.GET("/:collection/:id", h.get)
	r.PUT("/:collection/:id", h.put)
	r.PATCH("/:collection/:id", h.patch)
	r.DELETE("/:collection/:id", h.delete)
}

func trimJSON(param string) (string, bool) {
	if !strings.HasSuffix(param, ".json") {
		return "", false
	}
	name := strings.TrimSuffix(param, ".json")
	return name, store.ValidKey(name)
}

func (h *handler) names(c *gin.Context) (collection, id string, ok bool) {
	raw := c.Param("id")
	if raw == "" {
		collection, ok = trimJSON(c.Param("collection"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path must end with .json"})
		}
		return collection, "", ok
	}
	collection = c.Param("collection")
	id, ok = trimJSON(raw)
	if !ok || !store.ValidKey(collection) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key in path"})
		return "", "", false
	}
	return collection, id, true
}

func (h *handler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRecordBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return nil, false
	}
	if !jsoniter.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data; couldn't parse JSON object"})
		return nil, false
	}
	return body, true
}

func (h *handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		h.log.Error("store operation failed", "op", op, "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *handler) list(c *gin.Context) {
	collection, _, ok := h.names(c)
	if !ok {
		return
	}
	records, err := h.store.List(c.Request.Context(), collection)
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	if len(records) == 0 {
		c.Data(http.StatusOK, contentTypeJSON, nullBody)
		return
	}
	body, err := store.Encode(records)
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	c.Data(http.StatusOK, contentTypeJSON, body)
}

func (h *handler) get(c *gin.Context) {
	collection, id, ok := h.names(c)
	if !ok {
		return
	}
	record, version, err := h.store.GetVersioned(c.Request.Context(), collection, id)
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	if c.GetHeader(headerWantETag) == "true" {
		c.Header(headerETag, version)
	}
	if record == nil {
		c.Data(http.StatusOK, contentTypeJSON, nullBody)
		return
	}
	c.Data(http.StatusOK, contentTypeJSON, record)
}

func (h *handler) create(c *gin.Context) {
	collection, _, ok := h.names(c)
	if !ok {
		return
	}
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	id, err := h.store.Create(c.Request.Context(), collection, json.RawMessage(body))
	if err != nil {
		h.fail(c, "create", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": id})
}

func (h *handler) put(c *gin.Context) {
	collection, id, ok := h.names(c)
	if !ok {
		return
	}
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if string(body) == "null" {
		if err := h.store.Delete(ctx, collection, id); err != nil {
			h.fail(c, "put", err)
			return
		}
		c.Data(http.StatusOK, contentTypeJSON, nullBody)
		return
	}

	if version := c.GetHeader(headerIfMatch); version != "" {
		err := h.store.PutIf(ctx, collection, id, json.RawMessage(body), version)
		if errors.Is(err, store.ErrConflict) {
			current, currentVersion, gerr := h.store.GetVersioned(ctx, collection, id)
			if gerr != nil {
				h.fail(c, "put", gerr)
				return
			}
			if current == nil {
				current = nullBody
			}
			c.Header(headerETag, currentVersion)
			c.Data(http.StatusPreconditionFailed, contentTypeJSON, current)
			return
		}
		if err != nil {
			h.fail(c, "put", err)
			return
		}
		c.Data(http.StatusOK, contentTypeJSON, body)
		return
	}

	if err := h.store.Put(ctx, collection, id, json.RawMessage(body)); err != nil {
		h.fail(c, "put", err)
		return
	}
	c.Data(http.StatusOK, contentTypeJSON, body)
}

func (h *handler) patch(c *gin.Context) {
	collection, id, ok := h.names(c)
	if !ok {
		return
	}
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	var fields map[string]any
	if err := store.Decode(body, &fields); err != nil || fields == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data; couldn't parse JSON object"})
		return
	}
	if err := h.store.Patch(c.Request.Context(), collection, id, fields); err != nil {
		h.fail(c, "patch", err)
		return
	}
	c.Data(http.StatusOK, contentTypeJSON, body)
}

func (h *handler) delete(c *gin.Context) {
	collection, id, ok := h.names(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), collection, id); err != nil {
		h.fail(c, "delete", err)
		return
	}
	c.Data(http.StatusOK, contentTypeJSON, nullBody)
}
