package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tpmjs/tpmjs/internal/health"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// RegisteredTool is the ORM-free view of a tools row.
type RegisteredTool struct {
	ID            uuid.UUID
	Ref           tool.Reference
	Description   string
	InputSchema   map[string]any
	Health        health.Status
	LastCheckedAt *time.Time
	LastError     string
}

// ToolRepo persists registered tools and their health.
type ToolRepo struct {
	db *gorm.DB
}

// Register creates or updates the row for a package/export pair. The
// version and description track the latest registration.
func (r *ToolRepo) Register(ctx context.Context, ref tool.Reference, description string) (*RegisteredTool, error) {
	var model ToolModel
	err := r.db.WithContext(ctx).
		Where("package_name = ? AND export_name = ?", ref.PackageName, ref.ExportName).
		First(&model).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		model = ToolModel{
			ID:           uuid.New(),
			PackageName:  ref.PackageName,
			ExportName:   ref.ExportName,
			Version:      ref.Version,
			Description:  description,
			HealthStatus: string(health.StatusUnknown),
		}
		if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
			return nil, fmt.Errorf("creating tool %s: %w", ref.Key(), err)
		}
	case err != nil:
		return nil, fmt.Errorf("looking up tool %s: %w", ref.Key(), err)
	default:
		updates := map[string]any{"version": ref.Version}
		if description != "" {
			updates["description"] = description
		}
		if err := r.db.WithContext(ctx).Model(&model).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("updating tool %s: %w", ref.Key(), err)
		}
	}
	return toRegistered(&model)
}

// Get looks up one tool by package and export name.
func (r *ToolRepo) Get(ctx context.Context, packageName, exportName string) (*RegisteredTool, error) {
	var model ToolModel
	err := r.db.WithContext(ctx).
		Where("package_name = ? AND export_name = ?", packageName, exportName).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toRegistered(&model)
}

// List returns all registered tools.
func (r *ToolRepo) List(ctx context.Context) ([]RegisteredTool, error) {
	var models []ToolModel
	if err := r.db.WithContext(ctx).Order("package_name, export_name").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]RegisteredTool, 0, len(models))
	for i := range models {
		rt, err := toRegistered(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *rt)
	}
	return out, nil
}

// SaveSchema stores a freshly extracted input schema.
func (r *ToolRepo) SaveSchema(ctx context.Context, ref tool.Reference, schema map[string]any) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encoding schema for %s: %w", ref.Key(), err)
	}
	result := r.db.WithContext(ctx).
		Model(&ToolModel{}).
		Where("package_name = ? AND export_name = ?", ref.PackageName, ref.ExportName).
		Update("input_schema", JSON(data))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReportHealth applies one observed outcome through the health transition.
// Single-row last-write-wins: health is a "last observation wins" signal,
// so no cross-request locking is needed. Reports for unregistered tools
// are dropped silently.
func (r *ToolRepo) ReportHealth(ctx context.Context, report health.Report) error {
	var model ToolModel
	err := r.db.WithContext(ctx).
		Where("package_name = ? AND export_name = ?", report.Ref.PackageName, report.Ref.ExportName).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	next := health.Next(health.Status(model.HealthStatus), report)
	observedAt := report.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	updates := map[string]any{
		"health_status":   string(next),
		"last_checked_at": observedAt,
	}
	if next == health.StatusHealthy {
		updates["last_error"] = ""
	} else if report.Error != "" {
		updates["last_error"] = report.Error
	}
	return r.db.WithContext(ctx).Model(&model).Updates(updates).Error
}

// ListCheckable returns the references the batch checker sweeps.
func (r *ToolRepo) ListCheckable(ctx context.Context) ([]tool.Reference, error) {
	var models []ToolModel
	if err := r.db.WithContext(ctx).Order("package_name, export_name").Find(&models).Error; err != nil {
		return nil, err
	}
	refs := make([]tool.Reference, 0, len(models))
	for _, m := range models {
		refs = append(refs, tool.NewReference(m.PackageName, m.ExportName, m.Version))
	}
	return refs, nil
}

// RecordCheckRun appends one batch sweep record.
func (r *ToolRepo) RecordCheckRun(ctx context.Context, run health.CheckRun) error {
	return r.db.WithContext(ctx).Create(&CheckRunModel{
		ID:         uuid.New(),
		StartedAt:  run.StartedAt,
		DurationMs: run.Duration.Milliseconds(),
		Checked:    run.Checked,
		Healthy:    run.Healthy,
		Broken:     run.Broken,
		Skipped:    run.Skipped,
	}).Error
}

func toRegistered(m *ToolModel) (*RegisteredTool, error) {
	rt := &RegisteredTool{
		ID:            m.ID,
		Ref:           tool.NewReference(m.PackageName, m.ExportName, m.Version),
		Description:   m.Description,
		Health:        health.Status(m.HealthStatus),
		LastCheckedAt: m.LastCheckedAt,
		LastError:     m.LastError,
	}
	if len(m.InputSchema) > 0 {
		if err := json.Unmarshal(m.InputSchema, &rt.InputSchema); err != nil {
			return nil, fmt.Errorf("decoding stored schema for %s: %w", rt.Ref.Key(), err)
		}
	}
	return rt, nil
}
