package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/tpmjs/tpmjs/internal/storage"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// registerRegistryRoutes mounts tool registration and collection management
// on the authenticated group.
func (g *Gateway) registerRegistryRoutes() {
	g.group.Post("/tools", g.handleToolRegister,
		okapi.DocSummary("Register a tool in the catalog"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(ToolRegisterRequest{}),
		okapi.DocResponse(http.StatusCreated, ToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolResponse{}),
	)
	g.group.Post("/collections", g.handleCollectionCreate,
		okapi.DocSummary("Create a tool collection"),
		okapi.DocTags("Collections"),
		okapi.DocRequestBody(CollectionRequest{}),
		okapi.DocResponse(http.StatusCreated, CollectionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Put("/collections/{id}/visibility", g.handleCollectionVisibility,
		okapi.DocSummary("Publish or unpublish a collection"),
		okapi.DocTags("Collections"),
		okapi.DocPathParam("id", "string", "Collection ID (UUID)"),
		okapi.DocRequestBody(VisibilityRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/collections/{id}/tools", g.handleCollectionAddTool,
		okapi.DocSummary("Add a registered tool to a collection"),
		okapi.DocTags("Collections"),
		okapi.DocPathParam("id", "string", "Collection ID (UUID)"),
		okapi.DocRequestBody(CollectionToolRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/collections/{id}/tools/{toolId}", g.handleCollectionRemoveTool,
		okapi.DocSummary("Remove a tool from a collection"),
		okapi.DocTags("Collections"),
		okapi.DocPathParam("id", "string", "Collection ID (UUID)"),
		okapi.DocPathParam("toolId", "string", "Tool ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
}

// --- Tools ---

// ToolRegisterRequest is the JSON body for POST /v1/tools.
type ToolRegisterRequest struct {
	Package     string `json:"package"`
	Export      string `json:"export"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolResponse is a registered tool in API responses.
type ToolResponse struct {
	ID            string         `json:"id"`
	Package       string         `json:"package"`
	Export        string         `json:"export"`
	Version       string         `json:"version"`
	Description   string         `json:"description,omitempty"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	Health        string         `json:"health"`
	LastCheckedAt *time.Time     `json:"last_checked_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

func toolResponse(t *storage.RegisteredTool) ToolResponse {
	return ToolResponse{
		ID:            t.ID.String(),
		Package:       t.Ref.PackageName,
		Export:        t.Ref.ExportName,
		Version:       t.Ref.Version,
		Description:   t.Description,
		InputSchema:   t.InputSchema,
		Health:        string(t.Health),
		LastCheckedAt: t.LastCheckedAt,
		LastError:     t.LastError,
	}
}

func (g *Gateway) handleToolRegister(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ToolRegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Package == "" || req.Export == "" {
		return c.AbortBadRequest("package and export are required")
	}

	ref := tool.NewReference(req.Package, req.Export, req.Version)
	registered, err := g.tools.Register(c.Context(), ref, req.Description)
	if err != nil {
		g.logger.Error("tool registration failed",
			slog.String("tool", ref.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("registration failed")
	}

	return c.JSON(http.StatusCreated, toolResponse(registered))
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	tools, err := g.tools.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing failed")
	}

	resp := make([]ToolResponse, len(tools))
	for i := range tools {
		resp[i] = toolResponse(&tools[i])
	}
	return c.OK(resp)
}

// --- Collections ---

// CollectionRequest is the JSON body for POST /v1/collections.
type CollectionRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Public      bool   `json:"public,omitempty"`
}

// CollectionResponse is the JSON response after collection creation.
type CollectionResponse struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Public bool   `json:"public"`
}

func (g *Gateway) handleCollectionCreate(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req CollectionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" || req.Slug == "" {
		return c.AbortBadRequest("name and slug are required")
	}

	id, err := g.colls.CreateCollection(c.Context(), req.Name, req.Slug, req.Description, req.Public)
	if err != nil {
		g.logger.Error("collection creation failed",
			slog.String("slug", req.Slug),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("collection creation failed")
	}

	return c.JSON(http.StatusCreated, CollectionResponse{
		ID:     id.String(),
		Slug:   req.Slug,
		Public: req.Public,
	})
}

// VisibilityRequest is the JSON body for PUT /v1/collections/{id}/visibility.
type VisibilityRequest struct {
	Public bool `json:"public"`
}

func (g *Gateway) handleCollectionVisibility(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid collection ID")
	}

	var req VisibilityRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	if err := g.colls.SetPublic(c.Context(), id, req.Public); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "collection not found"})
		}
		return c.AbortInternalServerError("update failed")
	}

	return c.OK(map[string]string{"status": "updated"})
}

// CollectionToolRequest is the JSON body for POST /v1/collections/{id}/tools.
type CollectionToolRequest struct {
	Package  string `json:"package"`
	Export   string `json:"export"`
	Position int    `json:"position,omitempty"`
}

func (g *Gateway) handleCollectionAddTool(c *okapi.Context) error {
	collectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid collection ID")
	}

	var req CollectionToolRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Package == "" || req.Export == "" {
		return c.AbortBadRequest("package and export are required")
	}

	registered, err := g.tools.Get(c.Context(), req.Package, req.Export)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "tool not registered"})
		}
		return c.AbortInternalServerError("lookup failed")
	}

	if err := g.colls.AddTool(c.Context(), collectionID, registered.ID, req.Position); err != nil {
		return c.AbortInternalServerError("membership update failed")
	}

	return c.OK(map[string]string{"status": "added"})
}

func (g *Gateway) handleCollectionRemoveTool(c *okapi.Context) error {
	collectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid collection ID")
	}
	toolID, err := uuid.Parse(c.Param("toolId"))
	if err != nil {
		return c.AbortBadRequest("invalid tool ID")
	}

	if err := g.colls.RemoveTool(c.Context(), collectionID, toolID); err != nil {
		return c.AbortInternalServerError("membership update failed")
	}

	return c.OK(map[string]string{"status": "removed"})
}
