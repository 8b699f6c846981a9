// Package device defines the transport-neutral BLE model shared by the scan
// session, the connection state machine and the platform transports.
//
// It covers:
//   - Peripheral references produced by scanning
//   - The GATT tree reported by service discovery, with per-connection handles
//   - The Transport contract and the event enum its completions are delivered as
//   - The error taxonomy surfaced to consumers
package device
