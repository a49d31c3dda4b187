/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// pkceVerifierSuffix is appended to the storage key holding the
	// in-flight code verifier.
	pkceVerifierSuffix = "-code-verifier"
	// pkceRecoveryMarker tags a stored verifier as belonging to a
	// password recovery flow. The separator cannot appear in the hex
	// verifier itself.
	pkceRecoveryMarker = "/PASSWORD_RECOVERY"
	// pkceChallengeMethod is the only challenge method the platform
	// accepts.
	pkceChallengeMethod = "s256"
)

// generatePKCEVerifier returns a fresh code verifier: 56 random bytes hex
// encoded into 112 characters, comfortably inside RFC 7636's 43..128 length
// window.
func generatePKCEVerifier() (string, error) {
	buf := make([]byte, 56)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err, "generating code verifier")
	}
	return hex.EncodeToString(buf), nil
}

// pkceChallenge derives the code challenge sent to the authorization
// endpoint: unpadded base64url of the verifier's SHA-256 digest.
func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// newFlowChallenge mints a verifier, stores it for the later code exchange
// and returns the challenge parameters. recovery tags the stored verifier so
// the exchange can tell a password recovery apart from a plain sign-in.
func (c *Client) newFlowChallenge(recovery bool) (challenge, method string, err error) {
	verifier, err := generatePKCEVerifier()
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	stored := verifier
	if recovery {
		stored += pkceRecoveryMarker
	}
	if err := c.storage.Set(c.storageKey+pkceVerifierSuffix, stored); err != nil {
		return "", "", trace.Wrap(err)
	}
	return pkceChallenge(verifier), pkceChallengeMethod, nil
}

// takeFlowVerifier consumes the stored code verifier, returning it together
// with the recovery flag. The verifier is single use: it is removed from
// storage before this returns.
func (c *Client) takeFlowVerifier() (verifier string, recovery bool, err error) {
	key := c.storageKey + pkceVerifierSuffix
	stored, ok, err := c.storage.Get(key)
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	if !ok || stored == "" {
		return "", false, nil
	}
	if err := c.storage.Remove(key); err != nil {
		return "", false, trace.Wrap(err)
	}
	verifier, marker, _ := strings.Cut(stored, "/")
	return verifier, marker == strings.TrimPrefix(pkceRecoveryMarker, "/"), nil
}
