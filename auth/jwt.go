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
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
)

// AccessTokenClaims are the claims of a Supabase access token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims

	// Email is the user's email address.
	Email string `json:"email,omitempty"`
	// Phone is the user's phone number.
	Phone string `json:"phone,omitempty"`
	// Role is the postgres role the token assumes.
	Role string `json:"role,omitempty"`
	// SessionID identifies the server side session.
	SessionID string `json:"session_id,omitempty"`
	// AuthenticatorAssuranceLevel is "aal1" or "aal2".
	AuthenticatorAssuranceLevel string `json:"aal,omitempty"`
	// AuthenticationMethods lists how the session authenticated.
	AuthenticationMethods []AMREntry `json:"amr,omitempty"`
	// AppMetadata mirrors the user's provider-controlled metadata.
	AppMetadata map[string]any `json:"app_metadata,omitempty"`
	// UserMetadata mirrors the user's profile data.
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	// IsAnonymous reports an anonymous sign-in.
	IsAnonymous bool `json:"is_anonymous,omitempty"`
}

// DecodeAccessToken parses the claims of an access token without verifying
// its signature. Expiry bookkeeping and assurance levels only need the
// claims; proving authenticity is the server's job at request time. Padded
// and unpadded base64url segments are both accepted.
func DecodeAccessToken(token string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	parser := jwt.NewParser(jwt.WithPaddingAllowed())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, trace.Wrap(err, "parsing access token claims")
	}
	return claims, nil
}
