// Package api exposes the operator command surface over HTTP. The
// command set is closed and typed: each endpoint decodes into a
// validated command struct and answers with a structured result or a
// typed error kind mapped onto an HTTP status.
package api
