// Copyright 2024 The Svalin Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pki implements certificate, keypair and trust-chain primitives:
// Ed25519 keypairs, self-issued X.509 certificates whose Common Name is the
// hex SPKI hash, chain construction/verification, and password-encrypted
// keypair export.
package pki

import "github.com/gravitational/trace"

// Failure modes named in spec.md §4.A. Each maps to a trace error kind so
// callers can branch with trace.Is* without depending on these sentinels
// directly.
var (
	// ErrUnknownCertificate is returned by a Verifier when it has no
	// certificate on file for a requested SPKI hash.
	ErrUnknownCertificate = trace.NotFound("unknown certificate")
	// ErrCertificateRevoked is returned when a certificate has been
	// explicitly revoked by its issuer.
	ErrCertificateRevoked = trace.AccessDenied("certificate revoked")
	// ErrUnknownIssuer is returned when a chain cannot locate the issuer
	// certificate for a link.
	ErrUnknownIssuer = trace.NotFound("unknown issuer")
	// ErrCertificateMismatch is returned when a certificate's public key
	// does not match the keypair claiming ownership of it.
	ErrCertificateMismatch = trace.BadParameter("certificate does not match keypair")
	// ErrTimerange is returned when a certificate is checked against a
	// time outside its validity window.
	ErrTimerange = trace.BadParameter("certificate not valid at requested time")
	// ErrSignature is returned when a certificate or object signature
	// fails to verify.
	ErrSignature = trace.AccessDenied("signature verification failed")
	// ErrSignatureLoop is returned by CertificateChainBuilder when an SPKI
	// hash reappears while walking issuers.
	ErrSignatureLoop = trace.BadParameter("certificate chain contains a loop")
	// ErrFingerprintCollision is returned if two distinct public keys ever
	// hash to the same SPKI fingerprint (practically unreachable, kept for
	// defense in depth around external key material).
	ErrFingerprintCollision = trace.BadParameter("SPKI fingerprint collision")
)
