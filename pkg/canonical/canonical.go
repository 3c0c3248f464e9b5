// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of governance manifests and
// payloads.
//
// Manifests are hashed and signed over their canonical bytes, so two
// semantically equal inputs must always produce identical bytes. The
// canonicalizer enforces the registry ingest rules on top of RFC 8785:
// floats are rejected, strings must be valid UTF-8 and are normalized
// to NFC, and absent fields are equivalent to null.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/domaindetermine/governance/pkg/errs"
)

// Canonicalize returns the canonical byte form of v.
//
// Contract: for any input x, Canonicalize(parse(Canonicalize(x))) ==
// Canonicalize(x), and semantically equal inputs yield identical bytes.
// Fails with SCHEMA_VIOLATION on floats, invalid UTF-8, or cycles.
func Canonicalize(v any) ([]byte, error) {
	// Marshal through encoding/json first so struct tags are respected,
	// then normalize the generic form before handing it to JCS.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.SchemaViolation, err, "input is not canonicalizable")
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, errs.Wrap(errs.SchemaViolation, err, "intermediate decode failed")
	}

	normalized, err := normalize(generic)
	if err != nil {
		return nil, err
	}

	normalizedJSON, err := json.Marshal(normalized)
	if err != nil {
		return nil, errs.Wrap(errs.SchemaViolation, err, "normalized marshal failed")
	}

	out, err := jcs.Transform(normalizedJSON)
	if err != nil {
		return nil, errs.Wrap(errs.SchemaViolation, err, "jcs transform failed")
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalizeAndHash returns both the canonical bytes and their digest.
func CanonicalizeAndHash(v any) ([]byte, string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return nil, "", err
	}
	return b, HashBytes(b), nil
}

// normalize walks a generic JSON value, rejecting disallowed types and
// applying NFC normalization to every string. Absent and null are the
// same thing, so explicit nulls inside objects are dropped.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return nil, errs.Newf(errs.SchemaViolation, "floats are not permitted in canonical payloads: %s", s)
		}
		return t, nil
	case string:
		if !utf8.ValidString(t) {
			return nil, errs.New(errs.SchemaViolation, "string is not valid UTF-8")
		}
		return norm.NFC.String(t), nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			if !utf8.ValidString(k) {
				return nil, errs.New(errs.SchemaViolation, "object key is not valid UTF-8")
			}
			if elem == nil {
				continue
			}
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	default:
		return nil, errs.Newf(errs.SchemaViolation, "disallowed type %T in canonical payload", v)
	}
}

// MustCanonicalize is for values the caller controls (internal structs).
// It panics on canonicalization failure.
func MustCanonicalize(v any) []byte {
	b, err := Canonicalize(v)
	if err != nil {
		panic(fmt.Sprintf("canonical: %v", err))
	}
	return b
}
