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
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/internal/httpapi"
)

// captchaPayload is the anti-abuse envelope attached to unauthenticated
// flows.
type captchaPayload struct {
	CaptchaToken string `json:"captcha_token"`
}

// captcha wraps a token for the request body, nil when unset so the field
// is omitted entirely.
func captcha(token string) *captchaPayload {
	if token == "" {
		return nil
	}
	return &captchaPayload{CaptchaToken: token}
}

// requireIdentifier checks that exactly one of email and phone is set.
func requireIdentifier(email, phone string) error {
	if email == "" && phone == "" {
		return trace.Wrap(&apierror.InvalidCredentialsError{
			Message: "you must provide either an email or phone number",
		})
	}
	if email != "" && phone != "" {
		return trace.Wrap(&apierror.InvalidCredentialsError{
			Message: "you cannot provide both an email and phone number",
		})
	}
	return nil
}

// authRequest performs a request whose response is either a full session or
// a bare user, depending on whether the flow signed the user in.
func (c *Client) authRequest(ctx context.Context, method, path string, query url.Values, body any) (*AuthResponse, error) {
	resp, err := c.api.Do(ctx, httpapi.Request{
		Method: method,
		Path:   path,
		Query:  query,
		JSON:   body,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := apierror.FromResponse(resp.AsHTTPResponse(), resp.Body); err != nil {
		return nil, trace.Wrap(err)
	}

	var session Session
	if err := json.Unmarshal(resp.Body, &session); err == nil && session.AccessToken != "" {
		return &AuthResponse{Session: &session, User: session.User}, nil
	}
	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuthResponse{User: &user}, nil
}

// SignUpParams are the inputs for a new account.
type SignUpParams struct {
	// Email registers an email account. Exactly one of Email and Phone
	// must be set.
	Email string
	// Phone registers a phone account.
	Phone string
	// Password is the account password.
	Password string
	// Data seeds the user metadata.
	Data map[string]any
	// Channel selects the phone message transport, "sms" or "whatsapp".
	Channel string
	// RedirectTo is where the confirmation email link lands.
	RedirectTo string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// SignUp registers a new account. With email confirmation enabled the
// response carries only the user; the session arrives once the user
// confirms and signs in. With autoconfirm the session is established and
// EventSignedIn fires.
func (c *Client) SignUp(ctx context.Context, params SignUpParams) (*AuthResponse, error) {
	if err := requireIdentifier(params.Email, params.Phone); err != nil {
		return nil, trace.Wrap(err)
	}

	body := struct {
		Email               string          `json:"email,omitempty"`
		Phone               string          `json:"phone,omitempty"`
		Password            string          `json:"password"`
		Data                map[string]any  `json:"data,omitempty"`
		Channel             string          `json:"channel,omitempty"`
		CodeChallenge       string          `json:"code_challenge,omitempty"`
		CodeChallengeMethod string          `json:"code_challenge_method,omitempty"`
		Security            *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Email:    params.Email,
		Phone:    params.Phone,
		Password: params.Password,
		Data:     params.Data,
		Channel:  params.Channel,
		Security: captcha(params.CaptchaToken),
	}
	if c.flowType == FlowPKCE && params.Email != "" {
		challenge, method, err := c.newFlowChallenge(false)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		body.CodeChallenge = challenge
		body.CodeChallengeMethod = method
	}

	var query url.Values
	if params.RedirectTo != "" {
		query = url.Values{"redirect_to": {params.RedirectTo}}
	}

	resp, err := c.authRequest(ctx, http.MethodPost, "signup", query, &body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Session != nil {
		if err := c.saveAndNotify(ctx, resp.Session, EventSignedIn); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return resp, nil
}

// PasswordCredentials sign a user in with a password.
type PasswordCredentials struct {
	// Email identifies an email account. Exactly one of Email and Phone
	// must be set.
	Email string
	// Phone identifies a phone account.
	Phone string
	// Password is the account password.
	Password string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// SignInWithPassword signs in with an email or phone password pair and
// emits EventSignedIn. The session's WeakPassword field reports policy
// violations the server noticed without rejecting the sign-in.
func (c *Client) SignInWithPassword(ctx context.Context, creds PasswordCredentials) (*Session, error) {
	if err := requireIdentifier(creds.Email, creds.Phone); err != nil {
		return nil, trace.Wrap(err)
	}

	body := struct {
		Email    string          `json:"email,omitempty"`
		Phone    string          `json:"phone,omitempty"`
		Password string          `json:"password"`
		Security *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Email:    creds.Email,
		Phone:    creds.Phone,
		Password: creds.Password,
		Security: captcha(creds.CaptchaToken),
	}

	session, err := c.tokenGrant(ctx, "password", &body, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.saveAndNotify(ctx, session, EventSignedIn); err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// OTPParams request a one time sign-in code or magic link.
type OTPParams struct {
	// Email sends a magic link or email code. Exactly one of Email and
	// Phone must be set.
	Email string
	// Phone sends an SMS or WhatsApp code.
	Phone string
	// Channel selects the phone transport, "sms" or "whatsapp".
	Channel string
	// DisableUserCreation fails the request instead of registering a new
	// account when none exists for the identifier.
	DisableUserCreation bool
	// Data seeds the user metadata when an account is created.
	Data map[string]any
	// RedirectTo is where the magic link lands.
	RedirectTo string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// OTPResponse reports a sent one time code.
type OTPResponse struct {
	// MessageID identifies the delivered message, when the transport
	// reports one.
	MessageID string `json:"message_id,omitempty"`
}

// SignInWithOTP sends a one time code or magic link. The flow completes
// later through VerifyOTP or the magic link redirect.
func (c *Client) SignInWithOTP(ctx context.Context, params OTPParams) (*OTPResponse, error) {
	if err := requireIdentifier(params.Email, params.Phone); err != nil {
		return nil, trace.Wrap(err)
	}

	body := struct {
		Email               string          `json:"email,omitempty"`
		Phone               string          `json:"phone,omitempty"`
		Channel             string          `json:"channel,omitempty"`
		CreateUser          bool            `json:"create_user"`
		Data                map[string]any  `json:"data,omitempty"`
		CodeChallenge       string          `json:"code_challenge,omitempty"`
		CodeChallengeMethod string          `json:"code_challenge_method,omitempty"`
		Security            *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Email:      params.Email,
		Phone:      params.Phone,
		Channel:    params.Channel,
		CreateUser: !params.DisableUserCreation,
		Data:       params.Data,
		Security:   captcha(params.CaptchaToken),
	}
	if c.flowType == FlowPKCE && params.Email != "" {
		challenge, method, err := c.newFlowChallenge(false)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		body.CodeChallenge = challenge
		body.CodeChallengeMethod = method
	}

	var query url.Values
	if params.RedirectTo != "" {
		query = url.Values{"redirect_to": {params.RedirectTo}}
	}
	var out OTPResponse
	if err := c.doJSON(ctx, http.MethodPost, "otp", query, nil, &body, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// OTPType names the verification a one time code belongs to.
type OTPType string

const (
	// OTPSignup confirms a new account.
	OTPSignup OTPType = "signup"
	// OTPInvite accepts an invitation.
	OTPInvite OTPType = "invite"
	// OTPMagicLink completes a magic link sign-in.
	OTPMagicLink OTPType = "magiclink"
	// OTPRecovery completes a password recovery.
	OTPRecovery OTPType = "recovery"
	// OTPEmailChange confirms an email change.
	OTPEmailChange OTPType = "email_change"
	// OTPSMS completes a phone code sign-in.
	OTPSMS OTPType = "sms"
	// OTPPhoneChange confirms a phone change.
	OTPPhoneChange OTPType = "phone_change"
	// OTPEmail verifies an email token hash.
	OTPEmail OTPType = "email"
)

// VerifyOTPParams redeem a one time code.
type VerifyOTPParams struct {
	// Type is the verification kind.
	Type OTPType
	// Email is the address the code was sent to.
	Email string
	// Phone is the number the code was sent to.
	Phone string
	// Token is the code the user received.
	Token string
	// TokenHash verifies a link token directly, instead of Email or
	// Phone plus Token.
	TokenHash string
	// RedirectTo is where a follow-up link lands.
	RedirectTo string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// VerifyOTP redeems a one time code for a session. Change confirmations
// emit EventUserUpdated, everything else EventSignedIn.
func (c *Client) VerifyOTP(ctx context.Context, params VerifyOTPParams) (*AuthResponse, error) {
	if params.Type == "" {
		return nil, trace.BadParameter("missing parameter Type")
	}
	if params.TokenHash == "" {
		if err := requireIdentifier(params.Email, params.Phone); err != nil {
			return nil, trace.Wrap(err)
		}
		if params.Token == "" {
			return nil, trace.BadParameter("missing parameter Token")
		}
	}

	body := struct {
		Type      OTPType         `json:"type"`
		Email     string          `json:"email,omitempty"`
		Phone     string          `json:"phone,omitempty"`
		Token     string          `json:"token,omitempty"`
		TokenHash string          `json:"token_hash,omitempty"`
		Security  *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Type:      params.Type,
		Email:     params.Email,
		Phone:     params.Phone,
		Token:     params.Token,
		TokenHash: params.TokenHash,
		Security:  captcha(params.CaptchaToken),
	}
	var query url.Values
	if params.RedirectTo != "" {
		query = url.Values{"redirect_to": {params.RedirectTo}}
	}

	resp, err := c.authRequest(ctx, http.MethodPost, "verify", query, &body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Session != nil {
		event := EventSignedIn
		if params.Type == OTPEmailChange || params.Type == OTPPhoneChange {
			event = EventUserUpdated
		}
		if err := c.saveAndNotify(ctx, resp.Session, event); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return resp, nil
}

// OAuthParams configure a federated sign-in.
type OAuthParams struct {
	// Provider names the identity provider, such as "github".
	Provider string
	// RedirectTo is where the provider sends the user back to.
	RedirectTo string
	// Scopes are extra OAuth scopes to request.
	Scopes []string
	// QueryParams are passed through to the provider's authorization
	// endpoint.
	QueryParams map[string]string
}

// OAuthResponse is a prepared authorization URL for the user to visit.
type OAuthResponse struct {
	// Provider echoes the requested provider.
	Provider string
	// URL is the authorization endpoint to send the user to.
	URL string
}

// SignInWithOAuth builds the provider authorization URL. Under the PKCE
// flow the code verifier is stored for the later ExchangeCodeForSession
// call.
func (c *Client) SignInWithOAuth(ctx context.Context, params OAuthParams) (*OAuthResponse, error) {
	if params.Provider == "" {
		return nil, trace.BadParameter("missing parameter Provider")
	}
	query, err := c.providerQuery(params, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &OAuthResponse{
		Provider: params.Provider,
		URL:      c.api.BaseURL() + "/authorize?" + query.Encode(),
	}, nil
}

// providerQuery assembles the authorize endpoint parameters shared by
// OAuth sign-in and identity linking.
func (c *Client) providerQuery(params OAuthParams, recovery bool) (url.Values, error) {
	query := url.Values{}
	query.Set("provider", params.Provider)
	if params.RedirectTo != "" {
		query.Set("redirect_to", params.RedirectTo)
	}
	if len(params.Scopes) > 0 {
		query.Set("scopes", strings.Join(params.Scopes, " "))
	}
	for k, v := range params.QueryParams {
		query.Set(k, v)
	}
	if c.flowType == FlowPKCE {
		challenge, method, err := c.newFlowChallenge(recovery)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		query.Set("code_challenge", challenge)
		query.Set("code_challenge_method", method)
	}
	return query, nil
}

// LinkIdentity attaches another federated identity to the signed-in user,
// returning the authorization URL to complete the link.
func (c *Client) LinkIdentity(ctx context.Context, params OAuthParams) (*OAuthResponse, error) {
	if params.Provider == "" {
		return nil, trace.BadParameter("missing parameter Provider")
	}
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session == nil {
		return nil, trace.Wrap(&apierror.SessionMissingError{})
	}

	query, err := c.providerQuery(params, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	query.Set("skip_http_redirect", "true")

	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "user/identities/authorize", query, bearer(session.AccessToken), nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &OAuthResponse{Provider: params.Provider, URL: out.URL}, nil
}

// ExchangeCodeForSession completes a PKCE flow: the authorization code and
// the stored verifier are exchanged for a session. The verifier is consumed
// even when the exchange fails; each code exchange needs a fresh flow.
// Recovery flows emit EventPasswordRecovery instead of EventSignedIn.
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*AuthResponse, error) {
	verifier, recovery, err := c.takeFlowVerifier()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if verifier == "" {
		return nil, trace.Wrap(&apierror.PKCEGrantCodeExchangeError{
			Message: "code verifier is missing, start a sign-in flow before exchanging its code",
		})
	}

	body := struct {
		AuthCode     string `json:"auth_code"`
		CodeVerifier string `json:"code_verifier"`
	}{
		AuthCode:     code,
		CodeVerifier: verifier,
	}
	session, err := c.tokenGrant(ctx, "pkce", &body, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	event := EventSignedIn
	if recovery {
		event = EventPasswordRecovery
	}
	if err := c.saveAndNotify(ctx, session, event); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuthResponse{Session: session, User: session.User}, nil
}

// IDTokenParams sign in with an OpenID Connect token issued by a trusted
// provider.
type IDTokenParams struct {
	// Provider names the token issuer, such as "google" or "apple".
	Provider string
	// Token is the OIDC id token.
	Token string
	// AccessToken is the provider access token, required by providers
	// whose id tokens omit the at_hash claim linkage.
	AccessToken string
	// Nonce is the nonce used when requesting the id token.
	Nonce string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// SignInWithIDToken redeems a provider issued OIDC token for a session and
// emits EventSignedIn.
func (c *Client) SignInWithIDToken(ctx context.Context, params IDTokenParams) (*Session, error) {
	if params.Provider == "" {
		return nil, trace.BadParameter("missing parameter Provider")
	}
	if params.Token == "" {
		return nil, trace.BadParameter("missing parameter Token")
	}

	body := struct {
		Provider    string          `json:"provider"`
		IDToken     string          `json:"id_token"`
		AccessToken string          `json:"access_token,omitempty"`
		Nonce       string          `json:"nonce,omitempty"`
		Security    *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Provider:    params.Provider,
		IDToken:     params.Token,
		AccessToken: params.AccessToken,
		Nonce:       params.Nonce,
		Security:    captcha(params.CaptchaToken),
	}
	session, err := c.tokenGrant(ctx, "id_token", &body, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.saveAndNotify(ctx, session, EventSignedIn); err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// SSOParams select the single sign-on provider to start a flow with.
type SSOParams struct {
	// ProviderID is the registered SSO provider uuid. Exactly one of
	// ProviderID and Domain must be set.
	ProviderID string
	// Domain resolves the provider by email domain.
	Domain string
	// RedirectTo is where the identity provider sends the user back to.
	RedirectTo string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// SSOResponse is a prepared identity provider URL for the user to visit.
type SSOResponse struct {
	// URL starts the SSO flow.
	URL string `json:"url"`
}

// SignInWithSSO starts an enterprise single sign-on flow.
func (c *Client) SignInWithSSO(ctx context.Context, params SSOParams) (*SSOResponse, error) {
	if params.ProviderID == "" && params.Domain == "" {
		return nil, trace.Wrap(&apierror.InvalidCredentialsError{
			Message: "you must provide either a provider id or domain",
		})
	}
	if params.ProviderID != "" && params.Domain != "" {
		return nil, trace.Wrap(&apierror.InvalidCredentialsError{
			Message: "you cannot provide both a provider id and domain",
		})
	}

	body := struct {
		ProviderID          string          `json:"provider_id,omitempty"`
		Domain              string          `json:"domain,omitempty"`
		RedirectTo          string          `json:"redirect_to,omitempty"`
		SkipHTTPRedirect    bool            `json:"skip_http_redirect"`
		CodeChallenge       string          `json:"code_challenge,omitempty"`
		CodeChallengeMethod string          `json:"code_challenge_method,omitempty"`
		Security            *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		ProviderID:       params.ProviderID,
		Domain:           params.Domain,
		RedirectTo:       params.RedirectTo,
		SkipHTTPRedirect: true,
		Security:         captcha(params.CaptchaToken),
	}
	if c.flowType == FlowPKCE {
		challenge, method, err := c.newFlowChallenge(false)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		body.CodeChallenge = challenge
		body.CodeChallengeMethod = method
	}

	var out SSOResponse
	if err := c.doJSON(ctx, http.MethodPost, "sso", nil, nil, &body, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// AnonymousParams tune an anonymous sign-in.
type AnonymousParams struct {
	// Data seeds the user metadata.
	Data map[string]any
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// SignInAnonymously creates a throwaway account and signs it in.
func (c *Client) SignInAnonymously(ctx context.Context, params AnonymousParams) (*Session, error) {
	body := struct {
		Data     map[string]any  `json:"data,omitempty"`
		Security *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Data:     params.Data,
		Security: captcha(params.CaptchaToken),
	}
	resp, err := c.authRequest(ctx, http.MethodPost, "signup", nil, &body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Session == nil {
		return nil, trace.Wrap(&apierror.InvalidTokenResponseError{})
	}
	if err := c.saveAndNotify(ctx, resp.Session, EventSignedIn); err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Session, nil
}

// Web3Params sign in with a signed wallet message.
type Web3Params struct {
	// Chain names the blockchain the wallet lives on, such as "solana".
	Chain string
	// Message is the signed statement, including the domain and nonce.
	Message string
	// Signature proves ownership of the wallet address.
	Signature string
	// CaptchaToken is the solved captcha, when captcha is enforced.
	CaptchaToken string
}

// SignInWithWeb3 redeems a signed wallet statement for a session and emits
// EventSignedIn.
func (c *Client) SignInWithWeb3(ctx context.Context, params Web3Params) (*Session, error) {
	if params.Chain == "" {
		return nil, trace.BadParameter("missing parameter Chain")
	}
	if params.Message == "" || params.Signature == "" {
		return nil, trace.BadParameter("missing parameters Message and Signature")
	}

	body := struct {
		Chain     string          `json:"chain"`
		Message   string          `json:"message"`
		Signature string          `json:"signature"`
		Security  *captchaPayload `json:"gotrue_meta_security,omitempty"`
	}{
		Chain:     params.Chain,
		Message:   params.Message,
		Signature: params.Signature,
		Security:  captcha(params.CaptchaToken),
	}
	session, err := c.tokenGrant(ctx, "web3", &body, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.saveAndNotify(ctx, session, EventSignedIn); err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}
