// Package rls scopes a transaction to one organization for row level
// security policies.
package rls

import (
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const settingKey = "rls:current_org_id"

// WithTenant sets app.current_org_id for the rest of tx. The organization is
// also recorded on tx for TenantOf; the session setting is skipped on
// dialects without one.
func WithTenant(tx *gorm.DB, orgID snowflake.ID) error {
	tx.Statement.Settings.Store(settingKey, orgID)
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT set_config('app.current_org_id', ?, true)", orgID.String()).Error
}

// TenantOf reports the organization conn was scoped to by WithTenant. The
// setting follows sessions derived from the transaction handle, e.g.
// tx.WithContext(ctx).
func TenantOf(conn *gorm.DB) (snowflake.ID, bool) {
	value, ok := conn.Get(settingKey)
	if !ok {
		return 0, false
	}
	orgID, ok := value.(snowflake.ID)
	return orgID, ok
}
