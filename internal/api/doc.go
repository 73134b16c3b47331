// Package api hosts the HTTP handlers that front the rivercast session API.
//
// Handler binds the lifecycle orchestrator, the viewer coordinator and the
// chat hub to JSON routes under /api, the viewer WebSocket, the ingest
// publish hook and static manifest serving. Every dependency is injected at
// construction time; the package keeps no globals.
//
// Errors from the components are mapped onto HTTP statuses with
// errs.HTTPStatus and carry the errs.Code machine code so clients can tell a
// session that is not live yet from a banned sender or a rate limit.
//
// Request ids, access logging, metrics and the global rate limit are applied
// by internal/server around the router returned by Routes.
package api
