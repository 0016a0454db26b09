/*
Package auth authenticates callers of the spendguard API.

Operators present an API key, either as a bearer token or in a dedicated
header. Each key is bound to an actor ID and a set of roles; the resulting
Principal is stored in the request context and becomes the identity recorded
for rule changes, override grants, revocations and approval decisions.

	ring := auth.NewKeyRing([]auth.Key{
		{Name: "ops-cli", Key: os.Getenv("OPS_KEY"), ActorID: "ops-bot", Roles: []string{"treasury"}},
	}, nil)

	mw := auth.NewMiddleware(auth.MiddlewareConfig{
		Keys:   ring,
		Header: "X-API-Key",
	})
	http.Handle("/v1/", mw.Handle(apiHandler))

When the listener terminates mutual TLS, a verified client certificate can
stand in for a key: set MiddlewareConfig.ClientIdentity to a function that
returns the certificate's identity. Certificate principals carry no roles.

Key values are never logged. Only key names and actor IDs are.
*/
package auth
