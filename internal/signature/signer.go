// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// signedHeaders is the header list covered by outbound signatures, in
// signing-string order.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// Signer signs outbound federation requests with the bot's RSA key.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
	// now is replaceable in tests.
	now func() time.Time
}

// NewSigner creates a Signer for the given private key and key id.
func NewSigner(key *rsa.PrivateKey, keyID string) *Signer {
	return &Signer{key: key, keyID: keyID, now: time.Now}
}

// Sign sets the Date, Host, Digest, Content-Type and Signature headers on an
// outbound request carrying body.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	date := s.now().UTC().Format(http.TimeFormat)
	digest := bodyDigest(body)

	req.Header.Set("Date", date)
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)
	req.Header.Set("Content-Type", "application/activity+json")

	target := strings.ToLower(req.Method) + " " + req.URL.RequestURI()
	signingString := buildSigningString(signedHeaders, map[string]string{
		"(request-target)": target,
		"host":             req.URL.Host,
		"date":             date,
		"digest":           digest,
	})

	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		s.keyID,
		strings.Join(signedHeaders, " "),
		base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}

// bodyDigest returns the SHA-256 Digest header value for a request body.
func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// buildSigningString joins header values in the order given by names.
func buildSigningString(names []string, values map[string]string) string {
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = name + ": " + values[name]
	}
	return strings.Join(lines, "\n")
}
