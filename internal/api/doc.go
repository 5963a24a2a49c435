// Package api handles incoming HTTP requests, request validation, and
// response formatting. It adapts the task engine to HTTP: submitting AI
// tasks, polling their status by external id and reading per-queue counts.
package api
