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
	"time"

	"github.com/jonboulle/clockwork"
)

// Session holds the tokens and user snapshot of a signed-in session.
type Session struct {
	// AccessToken is the JWT presented to the data plane services.
	AccessToken string `json:"access_token"`
	// TokenType is always "bearer".
	TokenType string `json:"token_type"`
	// ExpiresIn is the access token lifetime in seconds at issue time.
	ExpiresIn int64 `json:"expires_in"`
	// ExpiresAt is the unix timestamp (seconds) the access token expires
	// at. Filled from ExpiresIn at save time when the server omits it.
	ExpiresAt int64 `json:"expires_at,omitempty"`
	// RefreshToken redeems a new session when the access token expires.
	RefreshToken string `json:"refresh_token"`
	// User is the owner of the session.
	User *User `json:"user,omitempty"`
	// ProviderToken is the OAuth provider access token, present right
	// after an OAuth sign-in only.
	ProviderToken string `json:"provider_token,omitempty"`
	// ProviderRefreshToken is the OAuth provider refresh token, present
	// right after an OAuth sign-in only when the provider issues one.
	ProviderRefreshToken string `json:"provider_refresh_token,omitempty"`
	// WeakPassword reports password policy violations the server noticed
	// during a password sign-in.
	WeakPassword *WeakPasswordInfo `json:"weak_password,omitempty"`
}

// WeakPasswordInfo lists the strength policy violations of the password used
// to sign in.
type WeakPasswordInfo struct {
	// Reasons are the individual policy violations.
	Reasons []string `json:"reasons"`
	// Message is the human readable summary.
	Message string `json:"message,omitempty"`
}

// expiresWithin reports whether the access token expires within margin. A
// session without expiry never does.
func (s *Session) expiresWithin(clock clockwork.Clock, margin time.Duration) bool {
	if s.ExpiresAt == 0 {
		return false
	}
	return time.Unix(s.ExpiresAt, 0).Add(-margin).Before(clock.Now())
}

// stampExpiry fills ExpiresAt from ExpiresIn when the server left it out.
func (s *Session) stampExpiry(clock clockwork.Clock) {
	if s.ExpiresAt == 0 && s.ExpiresIn != 0 {
		s.ExpiresAt = clock.Now().Unix() + s.ExpiresIn
	}
}

// User is an end user account of the project.
type User struct {
	// ID is the user's uuid.
	ID string `json:"id"`
	// Aud is the audience claim stamped into the user's tokens.
	Aud string `json:"aud,omitempty"`
	// Role is the postgres role assumed by the user's requests.
	Role string `json:"role,omitempty"`
	// Email is the user's primary email address.
	Email string `json:"email,omitempty"`
	// EmailConfirmedAt is when the email address was verified.
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	// Phone is the user's primary phone number.
	Phone string `json:"phone,omitempty"`
	// PhoneConfirmedAt is when the phone number was verified.
	PhoneConfirmedAt *time.Time `json:"phone_confirmed_at,omitempty"`
	// ConfirmationSentAt is when the last confirmation message went out.
	ConfirmationSentAt *time.Time `json:"confirmation_sent_at,omitempty"`
	// RecoverySentAt is when the last recovery message went out.
	RecoverySentAt *time.Time `json:"recovery_sent_at,omitempty"`
	// EmailChangeSentAt is when the last email change message went out.
	EmailChangeSentAt *time.Time `json:"email_change_sent_at,omitempty"`
	// NewEmail is the email address pending confirmation.
	NewEmail string `json:"new_email,omitempty"`
	// NewPhone is the phone number pending confirmation.
	NewPhone string `json:"new_phone,omitempty"`
	// InvitedAt is when the user was invited.
	InvitedAt *time.Time `json:"invited_at,omitempty"`
	// ActionLink is the generated action link, admin generate_link only.
	ActionLink string `json:"action_link,omitempty"`
	// LastSignInAt is when the user last signed in.
	LastSignInAt *time.Time `json:"last_sign_in_at,omitempty"`
	// AppMetadata is provider-controlled metadata about the user.
	AppMetadata map[string]any `json:"app_metadata,omitempty"`
	// UserMetadata is user-controlled profile data.
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	// Identities are the federated identities linked to the user.
	Identities []Identity `json:"identities,omitempty"`
	// Factors are the user's enrolled MFA factors.
	Factors []Factor `json:"factors,omitempty"`
	// IsAnonymous reports whether the user signed in anonymously.
	IsAnonymous bool `json:"is_anonymous,omitempty"`
	// BannedUntil is the end of the user's ban, if banned.
	BannedUntil *time.Time `json:"banned_until,omitempty"`
	// CreatedAt is when the account was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the account was last changed.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Identity is one federated identity linked to a user account.
type Identity struct {
	// ID is the provider-scoped identity id.
	ID string `json:"id"`
	// IdentityID is the identity's uuid, used to unlink it.
	IdentityID string `json:"identity_id"`
	// UserID is the owning user's uuid.
	UserID string `json:"user_id"`
	// IdentityData is the profile the provider reported.
	IdentityData map[string]any `json:"identity_data,omitempty"`
	// Provider names the identity provider, such as "github".
	Provider string `json:"provider"`
	// CreatedAt is when the identity was linked.
	CreatedAt *time.Time `json:"created_at,omitempty"`
	// LastSignInAt is when the identity last signed in.
	LastSignInAt *time.Time `json:"last_sign_in_at,omitempty"`
	// UpdatedAt is when the identity was last refreshed.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// FactorType enumerates MFA factor kinds.
type FactorType string

const (
	// FactorTypeTOTP is a time-based one time password factor.
	FactorTypeTOTP FactorType = "totp"
	// FactorTypePhone is an SMS or WhatsApp delivered code factor.
	FactorTypePhone FactorType = "phone"
)

// Factor is an enrolled MFA factor.
type Factor struct {
	// ID is the factor's uuid.
	ID string `json:"id"`
	// FriendlyName is the user-chosen label.
	FriendlyName string `json:"friendly_name,omitempty"`
	// FactorType is the factor kind, totp or phone.
	FactorType FactorType `json:"factor_type"`
	// Status is "verified" or "unverified".
	Status string `json:"status"`
	// Phone is the target number for phone factors.
	Phone string `json:"phone,omitempty"`
	// CreatedAt is when the factor was enrolled.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the factor last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthResponse carries the outcome of flows that may or may not establish a
// session, such as sign-up with email confirmation enabled.
type AuthResponse struct {
	// Session is set when the flow signed the user in.
	Session *Session
	// User is always set on success.
	User *User
}

// AMREntry is one authentication method reference in the token claims.
type AMREntry struct {
	// Method is the authentication method, such as "password" or "totp".
	Method string `json:"method"`
	// Timestamp is when the method was last used, unix seconds.
	Timestamp int64 `json:"timestamp"`
}

// AuthenticatorAssuranceLevel describes the session's MFA posture.
type AuthenticatorAssuranceLevel struct {
	// CurrentLevel is the AAL of the current access token, "aal1" or
	// "aal2", empty without a session.
	CurrentLevel string
	// NextLevel is the AAL the user can reach: "aal2" when a verified
	// factor exists, otherwise the current level.
	NextLevel string
	// CurrentAuthenticationMethods lists how the session authenticated.
	CurrentAuthenticationMethods []AMREntry
}

// JWK is one JSON web key of the project's signing key set.
type JWK struct {
	// Kty is the key type.
	Kty string `json:"kty"`
	// Kid is the key id referenced by token headers.
	Kid string `json:"kid,omitempty"`
	// Alg is the signing algorithm.
	Alg string `json:"alg,omitempty"`
	// Use is the key usage, "sig" for signing keys.
	Use string `json:"use,omitempty"`
	// Crv is the curve name for EC and OKP keys.
	Crv string `json:"crv,omitempty"`
	// X is the curve point X or OKP public key.
	X string `json:"x,omitempty"`
	// Y is the curve point Y for EC keys.
	Y string `json:"y,omitempty"`
	// N is the RSA modulus.
	N string `json:"n,omitempty"`
	// E is the RSA public exponent.
	E string `json:"e,omitempty"`
}

// JWKS is the project's published signing key set.
type JWKS struct {
	// Keys are the signing keys, most recent first.
	Keys []JWK `json:"keys"`
}
