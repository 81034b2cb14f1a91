// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/logging"
)

// Verification failure modes. ErrKeyFetch means the remote actor key could
// not be resolved; the others mean the request itself is bad.
var (
	ErrNoSignature = errors.New("signature: no Signature header")
	ErrBadHeader   = errors.New("signature: malformed Signature header")
	ErrKeyFetch    = errors.New("signature: failed to resolve signing key")
	ErrVerify      = errors.New("signature: verification failed")
)

// KeyStore caches remote actor public keys between requests. Implemented by
// the database layer.
type KeyStore interface {
	FindKey(ctx context.Context, keyID string) (string, error)
	CacheKey(ctx context.Context, keyID, pem string) error
}

// Verifier checks inbound federation request signatures, fetching and
// caching unknown actor keys on demand.
type Verifier struct {
	keys   KeyStore
	client *http.Client
}

// NewVerifier creates a Verifier backed by the given key cache.
func NewVerifier(keys KeyStore) *Verifier {
	return &Verifier{
		keys:   keys,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// sigParams is a parsed Signature header.
type sigParams struct {
	keyID     string
	algorithm string
	headers   []string
	signature []byte
}

// Verify checks the Signature header of an inbound request against the
// sender's published key. The body digest is checked separately when the
// digest header is part of the signed set.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) error {
	params, err := parseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return err
	}

	signingString, err := buildRequestSigningString(r, params.headers)
	if err != nil {
		return err
	}

	pemData, cached, err := v.resolveKey(ctx, params.keyID)
	if err != nil {
		return err
	}

	err = verifyRSA(pemData, signingString, params.signature)
	if err != nil && cached {
		// The actor may have rotated keys since we cached them. Drop the
		// cache entry and retry with a fresh fetch.
		logging.Debug().Str("key_id", params.keyID).Msg("Cached key failed, refetching")
		if delErr := v.deleteCached(ctx, params.keyID); delErr == nil {
			if pemData, _, fetchErr := v.resolveKey(ctx, params.keyID); fetchErr == nil {
				err = verifyRSA(pemData, signingString, params.signature)
			}
		}
	}
	if err != nil {
		return err
	}

	if containsHeader(params.headers, "digest") {
		if !digestMatches(r.Header.Get("Digest"), body) {
			return fmt.Errorf("%w: body digest mismatch", ErrVerify)
		}
	}
	return nil
}

// resolveKey returns the PEM key for a key id, preferring the cache. The
// second return reports whether the key came from the cache.
func (v *Verifier) resolveKey(ctx context.Context, keyID string) (string, bool, error) {
	if pemData, err := v.keys.FindKey(ctx, keyID); err == nil {
		return pemData, true, nil
	}

	logging.Info().Str("key_id", keyID).Msg("Fetching remote actor key")
	pemData, err := v.fetchKey(ctx, keyID)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}
	if err := v.keys.CacheKey(ctx, keyID, pemData); err != nil {
		logging.Warn().Err(err).Str("key_id", keyID).Msg("Failed to cache actor key")
	}
	return pemData, false, nil
}

func (v *Verifier) deleteCached(ctx context.Context, keyID string) error {
	type deleter interface {
		DeleteKey(ctx context.Context, keyID string) error
	}
	if d, ok := v.keys.(deleter); ok {
		return d.DeleteKey(ctx, keyID)
	}
	return errors.New("key store does not support deletion")
}

// fetchKey dereferences a key id and extracts publicKeyPem from the actor
// document. The document's key id must match the requested one.
func (v *Verifier) fetchKey(ctx context.Context, keyID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyID, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create key request: %w", err)
	}
	req.Header.Set("Accept", "application/activity+json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("key fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("key fetch returned status %d", resp.StatusCode)
	}

	var doc struct {
		PublicKey struct {
			ID           string `json:"id"`
			PublicKeyPem string `json:"publicKeyPem"`
		} `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode actor document: %w", err)
	}
	if doc.PublicKey.ID != keyID {
		return "", fmt.Errorf("key id mismatch: document has %q", doc.PublicKey.ID)
	}
	if doc.PublicKey.PublicKeyPem == "" {
		return "", errors.New("actor document has no publicKeyPem")
	}
	return doc.PublicKey.PublicKeyPem, nil
}

// parseSignatureHeader splits a draft-cavage Signature header into its
// key="value" parameters.
func parseSignatureHeader(header string) (*sigParams, error) {
	if header == "" {
		return nil, ErrNoSignature
	}

	params := &sigParams{}
	for _, part := range splitSignatureParams(header) {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadHeader, part)
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "keyid":
			params.keyID = value
		case "algorithm":
			params.algorithm = value
		case "headers":
			params.headers = strings.Fields(strings.ToLower(value))
		case "signature":
			sig, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad signature encoding", ErrBadHeader)
			}
			params.signature = sig
		}
	}

	if params.keyID == "" || len(params.signature) == 0 {
		return nil, fmt.Errorf("%w: missing keyId or signature", ErrBadHeader)
	}
	if params.algorithm != "" && params.algorithm != "rsa-sha256" && params.algorithm != "hs2019" {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrBadHeader, params.algorithm)
	}
	if len(params.headers) == 0 {
		// Per draft-cavage the default signed header list is just date.
		params.headers = []string{"date"}
	}
	return params, nil
}

// splitSignatureParams splits on commas outside quoted values. Base64
// signatures never contain commas but quoted header lists may.
func splitSignatureParams(header string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range header {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, strings.TrimSpace(current.String()))
	}
	return parts
}

// buildRequestSigningString reconstructs the signing string from an inbound
// request for the given signed header names.
func buildRequestSigningString(r *http.Request, headers []string) (string, error) {
	values := make(map[string]string, len(headers))
	for _, name := range headers {
		switch name {
		case "(request-target)":
			values[name] = strings.ToLower(r.Method) + " " + r.URL.RequestURI()
		case "host":
			host := r.Header.Get("Host")
			if host == "" {
				host = r.Host
			}
			values[name] = host
		default:
			v := r.Header.Get(name)
			if v == "" {
				return "", fmt.Errorf("%w: signed header %q missing from request", ErrBadHeader, name)
			}
			values[name] = v
		}
	}
	return buildSigningString(headers, values), nil
}

func verifyRSA(pemData, signingString string, sig []byte) error {
	key, err := ParsePublicKey([]byte(pemData))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerify, err)
	}
	hashed := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig); err != nil {
		return ErrVerify
	}
	return nil
}

func digestMatches(header string, body []byte) bool {
	want := bodyDigest(body)
	return subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}

func containsHeader(headers []string, name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}
