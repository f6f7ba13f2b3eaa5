// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/format"
	"zengateway/internal/gateway"
	"zengateway/internal/observability"
	"zengateway/internal/requestlog"
)

// CallHandler runs one gateway call; *gateway.Gateway implements it.
type CallHandler interface {
	Handle(ctx context.Context, in gateway.Call, w http.ResponseWriter) error
}

// ModelLister lists the catalog's models; *catalog.Catalog implements it.
type ModelLister interface {
	Models() []*catalog.Model
}

// Handler holds the HTTP handlers
type Handler struct {
	gateway CallHandler
	models  ModelLister
}

// NewHandler creates a handler over the gateway and the model catalog.
func NewHandler(gw CallHandler, models ModelLister) *Handler {
	return &Handler{gateway: gw, models: models}
}

// Proxy returns the handler for one caller format's endpoint.
func (h *Handler) Proxy(name format.Name) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		body, err := io.ReadAll(req.Body)
		if err != nil {
			// BodyLimit reports an oversized body while it is read
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return handleError(c, fmt.Errorf("reading request body: %w", err))
		}

		err = h.gateway.Handle(req.Context(), gateway.Call{
			Format:   name,
			Body:     body,
			Header:   req.Header,
			ClientIP: req.Header.Get("x-real-ip"),
		}, c.Response())
		if err != nil {
			return handleError(c, err)
		}
		return nil
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	resp := modelsResponse{Object: "list", Data: []modelEntry{}}
	if h.models != nil {
		for _, m := range h.models.Models() {
			resp.Data = append(resp.Data, modelEntry{ID: m.ID, Object: "model", OwnedBy: "zen"})
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleError renders a failed call. Taxonomy errors become 401 with their
// typed body, anything else a generic 500. Once the response has started
// the error is only logged.
func handleError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	ctx := c.Request().Context()
	kind := "internal"
	gwErr, isGateway := core.AsGatewayError(err)
	if isGateway {
		kind = string(gwErr.Kind)
	}
	observability.Errors.WithLabelValues(kind).Inc()
	slog.Error("gateway call failed",
		"request_id", core.GetRequestID(ctx),
		"error_type", core.ErrorTypeName(err),
		"error", err,
	)
	if entry := requestlog.FromContext(ctx); entry != nil {
		entry.ErrorType = core.ErrorTypeName(err)
		entry.ErrorMessage = err.Error()
	}

	if c.Response().Committed {
		return nil
	}
	if isGateway {
		return c.JSON(gwErr.HTTPStatusCode(), gwErr.ToJSON())
	}
	return c.JSON(http.StatusInternalServerError, core.InternalErrorJSON())
}
