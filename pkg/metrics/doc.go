// Package metrics registers Grove's prometheus instrumentation.
package metrics
