/*
Package httpserver implements the loopback broker the tool sandbox uses to
reach the vault.

Every API request goes through the access controller, so each call is
evaluated against the capability policy and attested exactly like a CLI
invocation. The caller identity is taken from the X-Argus-Subject header,
which the sandbox runtime sets for the tool it launched. Bind the broker to a
loopback address only.

API Endpoints:

  - GET    /api/v1/secrets              - List readable entry names
  - GET    /api/v1/secrets/{name}       - Read a secret value
  - PUT    /api/v1/secrets/{name}       - Write a secret value (request body)
  - DELETE /api/v1/secrets/{name}       - Delete a secret
  - POST   /api/v1/vault/rotate         - Rotate the master key
  - GET    /api/v1/attestation/verify   - Replay the attestation chain
  - GET    /livez, /readyz              - Liveness and readiness
  - GET    /drain, /undrain             - Toggle readiness

Status codes: 403 access denied, 404 unknown entry, 409 entry failed
authentication, 503 halted or chain broken (or drained), 500 otherwise.

Client is the matching Go client. It maps these statuses back to the
interfaces sentinel errors.
*/
package httpserver
