// Package client is the Go client for a grove agent's command
// surface. Typed failures from the agent are rebuilt as errdefs
// errors so callers classify them the same way in-process code does.
package client
