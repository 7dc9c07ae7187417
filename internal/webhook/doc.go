// Package webhook exposes pipelines as HTTP webhook endpoints.
//
// Each endpoint is bound to one pipeline file. An inbound POST is classified
// by provider and checked against the pipeline's triggers; a verified request
// queues a run for preparation.
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8090"
//	  endpoints:
//	    - path: /hooks/build
//	      pipeline: pipelines/build.yaml
//	      max_body_size: 1048576  # 1MB
//
// Secrets live in the pipeline's triggers section, usually as ${VAR}
// references resolved from the environment or .env.
//
// # Request Flow
//
//  1. HTTP POST arrives at configured path
//  2. Body size checked (reject with 413 if too large)
//  3. Provider identified from the event header
//  4. Provider verifier checks the secret and matches the event
//  5. Outcome journaled
//  6. Verified requests queue a run and get 202 Accepted with run_id
//
// # Responses
//
//   - 200 OK: not a trigger event for this pipeline ({"triggered":false})
//   - 202 Accepted: run queued ({"triggered":true,"run_id":"..."})
//   - 400 Bad Request: no known provider event header
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 422 Unprocessable Entity: the verifier could not read the payload
//   - 500 Internal Server Error: invalid trigger configuration or no verifier
//   - 503 Service Unavailable: preparation queue full
//
// Error bodies never echo the payload.
package webhook
