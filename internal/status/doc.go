// Package status exposes the sync engine to operators: a JSON snapshot, a
// websocket stream of status transitions, Prometheus metrics and a few
// lifecycle controls, all served from one chi router.
package status
