package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tpmjs/tpmjs/internal/mcp"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// CollectionRepo persists collections and their ordered tool membership.
type CollectionRepo struct {
	db *gorm.DB
}

// CreateCollection creates a collection. The slug must be unique.
func (r *CollectionRepo) CreateCollection(ctx context.Context, name, slug, description string, public bool) (uuid.UUID, error) {
	model := CollectionModel{
		ID:          uuid.New(),
		Name:        name,
		Slug:        slug,
		Description: description,
		Public:      public,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return uuid.Nil, fmt.Errorf("creating collection %q: %w", slug, err)
	}
	return model.ID, nil
}

// SetPublic toggles a collection's visibility.
func (r *CollectionRepo) SetPublic(ctx context.Context, id uuid.UUID, public bool) error {
	result := r.db.WithContext(ctx).
		Model(&CollectionModel{}).
		Where("id = ?", id).
		Update("public", public)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTool appends a tool to a collection at the given position.
func (r *CollectionRepo) AddTool(ctx context.Context, collectionID, toolID uuid.UUID, position int) error {
	return r.db.WithContext(ctx).Create(&CollectionToolModel{
		CollectionID: collectionID,
		ToolID:       toolID,
		Position:     position,
	}).Error
}

// RemoveTool removes a tool from a collection.
func (r *CollectionRepo) RemoveTool(ctx context.Context, collectionID, toolID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("collection_id = ? AND tool_id = ?", collectionID, toolID).
		Delete(&CollectionToolModel{}).Error
}

// Collection resolves an id or slug to its public tool set, in membership
// order. Private and missing collections are indistinguishable to callers.
// Implements the MCP dispatcher's collection source.
func (r *CollectionRepo) Collection(ctx context.Context, idOrSlug string) (*mcp.Collection, error) {
	query := r.db.WithContext(ctx)
	if id, err := uuid.Parse(idOrSlug); err == nil {
		query = query.Where("id = ?", id)
	} else {
		query = query.Where("slug = ?", idOrSlug)
	}

	var model CollectionModel
	err := query.First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, mcp.ErrCollectionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !model.Public {
		return nil, mcp.ErrCollectionNotFound
	}

	var members []CollectionToolModel
	err = r.db.WithContext(ctx).
		Where("collection_id = ?", model.ID).
		Order("position, created_at").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("loading membership for collection %q: %w", idOrSlug, err)
	}

	coll := &mcp.Collection{
		ID:          model.Slug,
		Name:        model.Name,
		Description: model.Description,
		Tools:       make([]mcp.CollectionTool, 0, len(members)),
	}
	if len(members) == 0 {
		return coll, nil
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ToolID)
	}
	var tools []ToolModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&tools).Error; err != nil {
		return nil, fmt.Errorf("loading tools for collection %q: %w", idOrSlug, err)
	}
	byID := make(map[uuid.UUID]*ToolModel, len(tools))
	for i := range tools {
		byID[tools[i].ID] = &tools[i]
	}

	for _, m := range members {
		row, ok := byID[m.ToolID]
		if !ok {
			continue // tool deleted after being added
		}
		ct := mcp.CollectionTool{
			Name:        row.ExportName,
			Description: row.Description,
			Ref:         tool.NewReference(row.PackageName, row.ExportName, row.Version),
		}
		if len(row.InputSchema) > 0 {
			if err := json.Unmarshal(row.InputSchema, &ct.InputSchema); err != nil {
				return nil, fmt.Errorf("decoding stored schema for %s: %w", ct.Ref.Key(), err)
			}
		}
		coll.Tools = append(coll.Tools, ct)
	}
	return coll, nil
}
