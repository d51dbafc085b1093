// Package entities contains the gorm models persisted by crmsync itself.
// Migrated CRM records are not modelled here; their tables are derived from the schema.
package entities
