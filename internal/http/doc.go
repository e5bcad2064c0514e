// Package http exposes the alarm daemon over a local JSON API.
//
// The router exposes the following endpoints:
//   - GET /alarms, POST /alarms: list alarms or create one from the
//     `alarmRequest` payload defined in alarm_handler.go.
//   - GET|PUT|PATCH|DELETE /alarms/{id}: read, replace, partially edit or
//     delete one alarm. Every write cancels and reschedules its notifications.
//   - POST /alarms/{id}/toggle: flip the enabled flag.
//   - POST /alarms/{id}/instances, DELETE /alarms/{id}/instances/{instanceID}:
//     add or remove one dated occurrence.
//   - POST /alarms/import: create event alarms from a text/calendar body.
//   - GET /active, POST /active/snooze, POST /active/dismiss: inspect and act on
//     the ringing alarm. Snooze and dismiss default to the active alarm when the
//     body names none.
//   - POST /lifecycle/foreground, /lifecycle/suppress, /lifecycle/resume:
//     app lifecycle hooks driving the recovery probe and the suppression flag.
//   - GET /metrics: prometheus exposition when a metrics handler is configured.
//
// Request/response DTOs live alongside their respective handlers so tests and
// documentation share the same ground truth.
package http
