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
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
)

// GetSession returns the current session, refreshing it first when the
// access token expires within the safety margin. Returns (nil, nil) when
// nobody is signed in.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	var session *Session
	var refreshToken string
	expired := false

	err := c.withLock(ctx, -1, func(ctx context.Context) error {
		s, err := c.loadSession()
		if err != nil {
			return trace.Wrap(err)
		}
		if s == nil {
			return nil
		}
		if !s.expiresWithin(c.clock, defaults.ExpiryMargin) {
			session = s
			return nil
		}
		expired = true
		refreshToken = s.RefreshToken
		return nil
	})
	if err != nil || !expired {
		return session, trace.Wrap(err)
	}

	// Refresh outside the lock so concurrent callers share one flight.
	session, err = c.callRefreshToken(ctx, refreshToken, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// SetSession installs a session from an access and refresh token pair, for
// example one minted server side. An expired access token is redeemed right
// away; a live one is installed as-is with its user snapshot taken from the
// token claims.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, trace.Wrap(&apierror.SessionMissingError{})
	}

	claims, err := DecodeAccessToken(accessToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	expired := true
	var expiresAt int64
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Unix()
		expired = expiresAt <= c.clock.Now().Unix()
	}
	if expired {
		session, err := c.callRefreshToken(ctx, refreshToken, true)
		return session, trace.Wrap(err)
	}

	user := &User{
		ID:           claims.Subject,
		Role:         claims.Role,
		Email:        claims.Email,
		Phone:        claims.Phone,
		AppMetadata:  claims.AppMetadata,
		UserMetadata: claims.UserMetadata,
		IsAnonymous:  claims.IsAnonymous,
	}
	if len(claims.Audience) > 0 {
		user.Aud = claims.Audience[0]
	}
	session := &Session{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		ExpiresIn:    expiresAt - c.clock.Now().Unix(),
		User:         user,
	}
	if err := c.saveAndNotify(ctx, session, EventSignedIn, EventTokenRefreshed); err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// RefreshSession forces a token refresh. An empty refreshToken refreshes
// the stored session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		err := c.withLock(ctx, -1, func(ctx context.Context) error {
			s, err := c.loadSession()
			if err != nil {
				return trace.Wrap(err)
			}
			if s == nil {
				return trace.Wrap(&apierror.SessionMissingError{})
			}
			refreshToken = s.RefreshToken
			return nil
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// An explicit refresh installs the result even if the stored
		// session rotated in between.
	}
	session, err := c.callRefreshToken(ctx, refreshToken, true)
	return session, trace.Wrap(err)
}

// GetUser fetches the signed-in user from the server. The result is never
// served from the cached session.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session == nil {
		if !c.customAuthHeader {
			return nil, trace.Wrap(&apierror.SessionMissingError{})
		}
		// The consumer configured its own Authorization header; let it
		// authenticate the request.
		return c.fetchUser(ctx, nil)
	}
	return c.fetchUser(ctx, bearer(session.AccessToken))
}

// GetUserWithToken fetches the user a given access token belongs to.
func (c *Client) GetUserWithToken(ctx context.Context, jwt string) (*User, error) {
	return c.fetchUser(ctx, bearer(jwt))
}

func (c *Client) fetchUser(ctx context.Context, headers map[string]string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "user", nil, headers, nil, &user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// UserAttributes are the profile fields UpdateUser can change.
type UserAttributes struct {
	// Email sets a new email address, confirmed by the user before it
	// becomes primary.
	Email string `json:"email,omitempty"`
	// Phone sets a new phone number.
	Phone string `json:"phone,omitempty"`
	// Password sets a new password.
	Password string `json:"password,omitempty"`
	// Nonce is the reauthentication nonce required for password changes
	// when secure password change is enabled.
	Nonce string `json:"nonce,omitempty"`
	// Data merges into the user metadata.
	Data map[string]any `json:"data,omitempty"`
	// EmailRedirectTo overrides the confirmation link target for email
	// changes. Sent as a query parameter, not in the body.
	EmailRedirectTo string `json:"-"`
}

// UpdateUser changes the signed-in user's profile and refreshes the cached
// user snapshot.
func (c *Client) UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session == nil {
		return nil, trace.Wrap(&apierror.SessionMissingError{})
	}

	var query url.Values
	if attrs.EmailRedirectTo != "" {
		query = url.Values{"redirect_to": {attrs.EmailRedirectTo}}
	}
	var user User
	if err := c.doJSON(ctx, http.MethodPut, "user", query, bearer(session.AccessToken), &attrs, &user); err != nil {
		return nil, trace.Wrap(err)
	}

	err = c.withLock(ctx, -1, func(ctx context.Context) error {
		current, err := c.loadSession()
		if err != nil {
			return trace.Wrap(err)
		}
		if current == nil {
			return nil
		}
		current.User = &user
		if err := c.saveSession(current); err != nil {
			return trace.Wrap(err)
		}
		c.notify(EventUserUpdated, current)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// SignOutScope controls which sessions a sign-out revokes.
type SignOutScope string

const (
	// SignOutGlobal revokes every session of the user.
	SignOutGlobal SignOutScope = "global"
	// SignOutLocal revokes only the session this client holds.
	SignOutLocal SignOutScope = "local"
	// SignOutOthers revokes every session except this client's.
	SignOutOthers SignOutScope = "others"
)

// SignOut revokes sessions per scope. The empty scope means global. Local
// state is cleared and EventSignedOut emitted for every scope except
// SignOutOthers, whatever the server answered; the background refresh loop
// stops with it.
func (c *Client) SignOut(ctx context.Context, scope SignOutScope) error {
	if scope == "" {
		scope = SignOutGlobal
	}
	switch scope {
	case SignOutGlobal, SignOutLocal, SignOutOthers:
	default:
		return trace.BadParameter("unsupported sign out scope %q", scope)
	}

	err := c.withLock(ctx, -1, func(ctx context.Context) error {
		session, err := c.loadSession()
		if err != nil {
			return trace.Wrap(err)
		}
		if session != nil && session.AccessToken != "" {
			query := url.Values{"scope": {string(scope)}}
			err := c.doJSON(ctx, http.MethodPost, "logout", query, bearer(session.AccessToken), nil, nil)
			if err != nil && !ignorableSignOutError(err) {
				return trace.Wrap(err)
			}
		}
		if scope != SignOutOthers {
			if err := c.clearSession(); err != nil {
				return trace.Wrap(err)
			}
			c.notify(EventSignedOut, nil)
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	// Stopping the refresh loop joins it, which can itself wait on the
	// session lock, so it happens after the lock is released.
	if scope != SignOutOthers {
		c.StopAutoRefresh()
	}
	return nil
}

// ignorableSignOutError reports server answers that just mean the session
// was gone already.
func ignorableSignOutError(err error) bool {
	if apierror.IsSessionMissing(err) {
		return true
	}
	ae, ok := apierror.AsAPIError(err)
	if !ok {
		return false
	}
	switch ae.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// ResetPasswordOptions tune ResetPasswordForEmail.
type ResetPasswordOptions struct {
	// RedirectTo is where the recovery link lands.
	RedirectTo string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// ResetPasswordForEmail sends a password recovery message. Under the PKCE
// flow the stored verifier is tagged so the later code exchange reports
// EventPasswordRecovery instead of a plain sign-in.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email string, opts ResetPasswordOptions) error {
	body := struct {
		Email               string          `json:"email"`
		CodeChallenge       string          `json:"code_challenge,omitempty"`
		CodeChallengeMethod string          `json:"code_challenge_method,omitempty"`
		Security            *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Email:    email,
		Security: captcha(opts.CaptchaToken),
	}
	if c.flowType == FlowPKCE {
		challenge, method, err := c.newFlowChallenge(true)
		if err != nil {
			return trace.Wrap(err)
		}
		body.CodeChallenge = challenge
		body.CodeChallengeMethod = method
	}

	var query url.Values
	if opts.RedirectTo != "" {
		query = url.Values{"redirect_to": {opts.RedirectTo}}
	}
	return trace.Wrap(c.doJSON(ctx, http.MethodPost, "recover", query, nil, &body, nil))
}

// ResendType names the confirmation message Resend sends again.
type ResendType string

const (
	// ResendSignup resends the sign-up confirmation email.
	ResendSignup ResendType = "signup"
	// ResendSMS resends the sign-up confirmation SMS.
	ResendSMS ResendType = "sms"
	// ResendEmailChange resends the email change confirmation.
	ResendEmailChange ResendType = "email_change"
	// ResendPhoneChange resends the phone change confirmation.
	ResendPhoneChange ResendType = "phone_change"
)

// ResendParams select the confirmation to send again.
type ResendParams struct {
	// Type is the confirmation kind.
	Type ResendType
	// Email is the target address for email confirmations.
	Email string
	// Phone is the target number for SMS confirmations.
	Phone string
	// RedirectTo is where the email link lands.
	RedirectTo string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// Resend sends a pending confirmation message again.
func (c *Client) Resend(ctx context.Context, params ResendParams) (*OTPResponse, error) {
	if params.Type == "" {
		return nil, trace.BadParameter("missing parameter Type")
	}
	body := struct {
		Type     ResendType      `json:"type"`
		Email    string          `json:"email,omitempty"`
		Phone    string          `json:"phone,omitempty"`
		Security *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Type:     params.Type,
		Email:    params.Email,
		Phone:    params.Phone,
		Security: captcha(params.CaptchaToken),
	}
	var query url.Values
	if params.RedirectTo != "" {
		query = url.Values{"redirect_to": {params.RedirectTo}}
	}
	var out OTPResponse
	if err := c.doJSON(ctx, http.MethodPost, "resend", query, nil, &body, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Reauthenticate sends a reauthentication nonce to the user's email or
// phone, consumed by a subsequent password change.
func (c *Client) Reauthenticate(ctx context.Context) error {
	session, err := c.GetSession(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if session == nil {
		return trace.Wrap(&apierror.SessionMissingError{})
	}
	return trace.Wrap(c.doJSON(ctx, http.MethodGet, "reauthenticate", nil, bearer(session.AccessToken), nil, nil))
}

// GetUserIdentities lists the federated identities linked to the signed-in
// user.
func (c *Client) GetUserIdentities(ctx context.Context) ([]Identity, error) {
	user, err := c.GetUser(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return user.Identities, nil
}

// UnlinkIdentity detaches a federated identity from the signed-in user.
func (c *Client) UnlinkIdentity(ctx context.Context, identity Identity) error {
	if identity.IdentityID == "" {
		return trace.BadParameter("missing parameter IdentityID")
	}
	session, err := c.GetSession(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if session == nil {
		return trace.Wrap(&apierror.SessionMissingError{})
	}
	path := "user/identities/" + url.PathEscape(identity.IdentityID)
	return trace.Wrap(c.doJSON(ctx, http.MethodDelete, path, nil, bearer(session.AccessToken), nil, nil))
}

// JWKS fetches the project's published signing keys. The client never
// verifies token signatures itself; the key set is exposed for consumers
// that do their own verification at trust boundaries.
func (c *Client) JWKS(ctx context.Context) (*JWKS, error) {
	var out JWKS
	if err := c.doJSON(ctx, http.MethodGet, ".well-known/jwks.json", nil, nil, nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// SessionFromCallbackURL completes a redirect flow from the URL the
// provider sent the user back to: a PKCE callback carries a ?code= to
// exchange, an implicit one carries the session in the fragment.
func (c *Client) SessionFromCallbackURL(ctx context.Context, callbackURL string) (*Session, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, trace.BadParameter("invalid callback URL: %v", err)
	}

	params := u.Query()
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		for k, vs := range frag {
			for _, v := range vs {
				params.Add(k, v)
			}
		}
	}

	if desc := params.Get("error_description"); desc != "" || params.Get("error") != "" {
		if desc == "" {
			desc = params.Get("error")
		}
		return nil, trace.Wrap(&apierror.APIError{
			Message: desc,
			Code:    params.Get("error_code"),
		})
	}

	if code := params.Get("code"); code != "" {
		resp, err := c.ExchangeCodeForSession(ctx, code)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return resp.Session, nil
	}

	accessToken := params.Get("access_token")
	refreshToken := params.Get("refresh_token")
	if accessToken == "" || refreshToken == "" {
		return nil, trace.BadParameter("callback URL carries no session material")
	}

	user, err := c.GetUserWithToken(ctx, accessToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	expiresIn, _ := strconv.ParseInt(params.Get("expires_in"), 10, 64)
	expiresAt, _ := strconv.ParseInt(params.Get("expires_at"), 10, 64)
	session := &Session{
		AccessToken:          accessToken,
		TokenType:            "bearer",
		ExpiresIn:            expiresIn,
		ExpiresAt:            expiresAt,
		RefreshToken:         refreshToken,
		User:                 user,
		ProviderToken:        params.Get("provider_token"),
		ProviderRefreshToken: params.Get("provider_refresh_token"),
	}

	event := EventSignedIn
	if params.Get("type") == "recovery" {
		event = EventPasswordRecovery
	}
	if err := c.saveAndNotify(ctx, session, event); err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}
