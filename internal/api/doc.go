// Package api implements the HTTP admin and producer API for mqttpub.
//
// This package provides:
//   - POST /api/v1/publish, the HTTP form of route_message
//   - Broker registry CRUD, reconciling connections after each change
//   - Status and health views of the delivery engine
//   - Dead-letter listing and on-demand retention sweeps
//   - The Prometheus /metrics endpoint
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// When api.auth_token is set every route except /api/v1/health and
// /metrics requires "Authorization: Bearer <token>". Broker passwords are
// accepted on write but never returned.
package api
