// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/billingsync/internal/migration"
	tenantdomain "github.com/smallbiznis/billingsync/internal/tenant/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns an isolated in-memory database with the full schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Transactions must run on the single connection that holds the in-memory schema.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Node returns a snowflake generator for tests.
func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// SeedTenant inserts a tenant row on plan and returns its id.
func SeedTenant(t *testing.T, db *gorm.DB, node *snowflake.Node, plan string) snowflake.ID {
	t.Helper()
	tenant := tenantdomain.Tenant{
		ID:        node.Generate(),
		Name:      "Acme",
		Email:     "billing@acme.test",
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return tenant.ID
}

// TenantPlan reads the denormalized plan of a tenant.
func TenantPlan(t *testing.T, db *gorm.DB, id snowflake.ID) string {
	t.Helper()
	var plan string
	if err := db.Raw(`SELECT plan FROM tenants WHERE id = ?`, id).Scan(&plan).Error; err != nil {
		t.Fatalf("tenant plan: %v", err)
	}
	return plan
}

// AssertCount fails when table does not hold want rows.
func AssertCount(t *testing.T, db *gorm.DB, table string, want int64) {
	t.Helper()
	var got int64
	if err := db.Table(table).Count(&got).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	if got != want {
		t.Fatalf("expected %d rows in %s, got %d", want, table, got)
	}
}
