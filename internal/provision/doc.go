// Package provision claims IoThing devices by assigning them a node id.
//
// A device exposes its node id at http://<ip>:<port>/config:
//
//	GET  /config  ->  {"node": ""}
//	POST /config  <-  {"node": "<uuid>"}
//	              ->  {"status": true, "node": "<uuid>"}
//
// Claim reads the current id and, when the device has none, generates a
// random UUID and posts it. The claim only succeeds when the device echoes
// the same id back with status true.
//
// Transport failures are returned as *RequestError and retried with
// exponential backoff when retryable. ErrNoAddress and ErrRejected are
// wrapped and can be matched with errors.Is.
package provision
