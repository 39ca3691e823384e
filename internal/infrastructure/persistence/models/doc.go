// Package models contains the GORM persistence models of the sync engine.
// They are separate from the domain types in domain/integration; each model
// carries ToDomain/FromDomain mappers and its table name.
//
// Tables:
//   - integration_connections, integration_credentials: connections and their encrypted secrets
//   - sync_jobs: the durable job queue
//   - sync_checkpoints: last applied sequence and resume cursor per (connection, operation)
//   - sync_runs, sync_run_failures, sync_log_entries: the append-only run ledger
//   - product_mappings, catalog_products, imported_orders: matching and order import
//
// Migrations under /migrations own the production schema; AutoMigrate is used
// only by tests.
package models
