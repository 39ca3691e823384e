// Package integration contains the marketplace synchronization bounded context.
// It keeps products, stock, prices and orders consistent between a tenant's catalog
// and external marketplaces.
//
// Key concepts:
//   - Connection: one tenant's link to one external system, with its health flag
//   - Connector: port implemented once per external system (storefront, ERP, marketplace)
//   - SyncJob: a queued unit of work, sequenced per connection
//   - SyncRun: the append-only ledger entry describing how a job ended
//   - ProductMapping: cached correspondence between an external and an internal product
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package integration
