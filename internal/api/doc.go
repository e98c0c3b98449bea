// Package api hosts the HTTP handlers of the ingest API.
//
// Handler methods translate requests into calls on the admission controller,
// the pipeline state driver and the notification router, all injected at
// construction time. Pipeline failures are mapped onto HTTP statuses in one
// place (statusForError) so every route reports a given error kind the same
// way.
//
// Handlers assume the middleware in internal/server has already resolved the
// caller's session and attached it to the request context; routes that need
// a caller read it back with UserFromContext.
package api
