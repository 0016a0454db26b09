/*
Package tls terminates HTTPS for the spendguard API.

New turns the server.tls configuration into a crypto/tls configuration whose
certificate is served by a Reloader, so renewed certificate files are picked
up without a restart:

	srvTLS, err := tls.New(cfg.Server.TLS, logger)
	if err != nil {
		return err
	}
	if err := srvTLS.Start(ctx); err != nil {
		return err
	}
	ln = cryptotls.NewListener(ln, srvTLS.Config())

With mutual TLS enabled, ClientIdentity names the caller from the verified
client certificate, using the configured identity source.

TLS 1.0 and 1.1 are never accepted.
*/
package tls
