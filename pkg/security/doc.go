// Package security groups transport security for the spendguard API: TLS
// termination with certificate reload and mutual TLS in package tls, and
// API key authentication in package auth.
package security
