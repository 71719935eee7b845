// Package relayserver implements a relay: a dumb, untrusted broadcast node
// that stores signed events and serves them back.
//
// The relay verifies every event before storing it, so it never serves data
// it could have forged, but clients verify again anyway. Two front ends share
// one store:
//
//   - a websocket endpoint at / speaking the EVENT/REQ/CLOSE frame protocol,
//     with live delivery of new events to open subscriptions
//   - a JSON API: POST /api/v1/events publishes, POST /api/v1/query fetches
//
// Operational endpoints follow the usual layout: /livez, /readyz, /drain and
// /undrain, with Prometheus metrics on a separate listener.
package relayserver
