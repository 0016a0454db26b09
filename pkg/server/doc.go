// Package server exposes spendguard over HTTP.
//
// # Endpoints
//
// Evaluation:
//
//	POST /v1/evaluate                    decide a transaction attempt and apply side effects
//	POST /v1/simulate                    decide without committing or recording anything
//	POST /v1/release                     reverse the usage committed by an evaluation
//
// Rules (never deleted; retired rules keep their history):
//
//	GET  /v1/rules                       list latest versions (?status=&type=&scope=)
//	POST /v1/rules                       create a draft rule
//	GET  /v1/rules/{id}                  latest version
//	PUT  /v1/rules/{id}                  replace the definition, bumping the version
//	GET  /v1/rules/{id}/versions         every version, oldest first
//	POST /v1/rules/{id}/activate
//	POST /v1/rules/{id}/retire
//	PUT  /v1/rules/{id}/enforced         {"enforced": false} switches to monitor mode
//	GET  /v1/rules/{id}/usage            live window usage (?target=&at=)
//
// Overrides, approvals and violations:
//
//	GET    /v1/overrides                 (?ruleId=&actorId=&source=&live=)
//	POST   /v1/overrides                 grant a time-boxed override
//	GET    /v1/overrides/{id}
//	DELETE /v1/overrides/{id}            revoke
//	GET    /v1/approvals                 (?status=&ruleId=&actorId=)
//	GET    /v1/approvals/{id}
//	POST   /v1/approvals/{id}/decisions  approve or reject
//	GET    /v1/violations                query (?ruleId=&actorId=&from=&to=&limit=&offset=...)
//	GET    /v1/violations/export         ?format=json|csv
//	GET    /v1/violations/{id}
//	PUT    /v1/violations/{id}/resolution
//
// Health, readiness, version and Prometheus metrics are served at the paths
// configured under telemetry.
//
// # Errors
//
// Failures use one envelope:
//
//	{"error": {"code": "invalid_amount", "field": "amount", "message": "...", "requestId": "..."}}
//
// Validation failures answer 400 with the validation reason code. Unknown
// IDs answer 404, stale or conflicting state 409, and an expired approval
// 410. A failed evaluation answers with the error plus a result whose
// decision is BLOCK; transient failures use 503 so callers know to retry.
//
// # Identity
//
// With server.auth enabled every /v1 request must present an API key
// ("Authorization: Bearer <key>" or the configured header) or, behind mutual
// TLS, a verified client certificate. Failures answer 401 with code
// "unauthorized". The authenticated actor and roles replace any X-Actor-ID
// header and any granter or approver identity in request bodies. Without
// auth, administrative writes identify the caller through X-Actor-ID.
package server
