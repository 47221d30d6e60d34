package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/railtab/internal/audit/domain"
	"gorm.io/gorm"
)

type auditRepository struct{}

func Provide() domain.Repository {
	return &auditRepository{}
}

func (r *auditRepository) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

// List returns the organization's entries newest first, one past filter.Limit
// so the caller can tell whether another page exists.
func (r *auditRepository) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	stmt := db.WithContext(ctx).Model(&domain.AuditLog{}).
		Where("org_id = ?", filter.OrgID)

	stmt = whereAction(stmt, filter.Action)
	for column, value := range map[string]string{
		"target_type": filter.TargetType,
		"target_id":   filter.TargetID,
		"actor_type":  filter.ActorType,
	} {
		if value = strings.TrimSpace(value); value != "" {
			stmt = stmt.Where(column+" = ?", value)
		}
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []*domain.AuditLog
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// whereAction matches an exact action, or every action of a family as a
// half-open range: "billing_group." <= action < "billing_group/".
func whereAction(stmt *gorm.DB, action string) *gorm.DB {
	action = strings.TrimSpace(action)
	if action == "" {
		return stmt
	}
	prefix, ok := domain.ActionFamily(action)
	if !ok {
		return stmt.Where("action = ?", action)
	}
	upper := prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1)
	return stmt.Where("action >= ? AND action < ?", prefix, upper)
}
