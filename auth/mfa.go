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

	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
)

// MFAClient manages multi-factor enrollment and verification for the
// signed-in user. Access it through Client.MFA.
type MFAClient struct {
	client *Client
}

// session returns the current session or SessionMissingError, since every
// MFA operation acts on behalf of a signed-in user.
func (m *MFAClient) session(ctx context.Context) (*Session, error) {
	session, err := m.client.GetSession(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session == nil {
		return nil, trace.Wrap(&apierror.SessionMissingError{})
	}
	return session, nil
}

// EnrollParams describe the factor to enroll.
type EnrollParams struct {
	// FactorType is the factor kind, FactorTypeTOTP or FactorTypePhone.
	FactorType FactorType
	// FriendlyName labels the factor in factor lists.
	FriendlyName string
	// Issuer overrides the issuer shown in authenticator apps, for TOTP
	// factors.
	Issuer string
	// Phone is the number codes are sent to, for phone factors.
	Phone string
}

// TOTPEnrollment carries the secret material of a newly enrolled TOTP
// factor.
type TOTPEnrollment struct {
	// QRCode is an SVG image of the enrollment URI.
	QRCode string `json:"qr_code"`
	// Secret is the shared TOTP secret.
	Secret string `json:"secret"`
	// URI is the otpauth:// enrollment link.
	URI string `json:"uri"`
}

// EnrollResponse is a freshly enrolled, still unverified factor.
type EnrollResponse struct {
	// ID is the new factor's uuid.
	ID string `json:"id"`
	// Type echoes the enrolled factor kind.
	Type FactorType `json:"type"`
	// FriendlyName echoes the label.
	FriendlyName string `json:"friendly_name,omitempty"`
	// TOTP carries the secret material for TOTP factors.
	TOTP *TOTPEnrollment `json:"totp,omitempty"`
	// Phone echoes the target number for phone factors.
	Phone string `json:"phone,omitempty"`
}

// Enroll registers a new factor. The factor stays unverified until a
// challenge for it is verified.
func (m *MFAClient) Enroll(ctx context.Context, params EnrollParams) (*EnrollResponse, error) {
	switch params.FactorType {
	case FactorTypeTOTP, FactorTypePhone:
	case "":
		return nil, trace.BadParameter("missing parameter FactorType")
	default:
		return nil, trace.BadParameter("unsupported factor type %q", params.FactorType)
	}
	session, err := m.session(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	body := struct {
		FactorType   FactorType `json:"factor_type"`
		FriendlyName string     `json:"friendly_name,omitempty"`
		Issuer       string     `json:"issuer,omitempty"`
		Phone        string     `json:"phone,omitempty"`
	}{
		FactorType:   params.FactorType,
		FriendlyName: params.FriendlyName,
		Issuer:       params.Issuer,
		Phone:        params.Phone,
	}
	var out EnrollResponse
	if err := m.client.doJSON(ctx, http.MethodPost, "factors", nil, bearer(session.AccessToken), &body, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// ChallengeParams select the factor to challenge.
type ChallengeParams struct {
	// FactorID is the factor to challenge.
	FactorID string
	// Channel overrides the phone transport for this challenge, "sms" or
	// "whatsapp".
	Channel string
}

// ChallengeResponse is an open challenge awaiting its code.
type ChallengeResponse struct {
	// ID is the challenge uuid, passed back on verify.
	ID string `json:"id"`
	// Type echoes the challenged factor kind.
	Type FactorType `json:"type"`
	// ExpiresAt is when the challenge lapses, unix seconds.
	ExpiresAt int64 `json:"expires_at"`
}

// Challenge opens a verification window for a factor. Phone factors send
// their code as a side effect.
func (m *MFAClient) Challenge(ctx context.Context, params ChallengeParams) (*ChallengeResponse, error) {
	if params.FactorID == "" {
		return nil, trace.BadParameter("missing parameter FactorID")
	}
	session, err := m.session(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var body any
	if params.Channel != "" {
		body = struct {
			Channel string `json:"channel"`
		}{Channel: params.Channel}
	}
	var out ChallengeResponse
	path := "factors/" + url.PathEscape(params.FactorID) + "/challenge"
	if err := m.client.doJSON(ctx, http.MethodPost, path, nil, bearer(session.AccessToken), body, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// VerifyParams answer an open challenge.
type VerifyParams struct {
	// FactorID is the challenged factor.
	FactorID string
	// ChallengeID is the open challenge being answered.
	ChallengeID string
	// Code is the one time code the user produced.
	Code string
}

// Verify answers a challenge with the user's code. On success the server
// issues an upgraded session, which replaces the stored one and emits
// EventMFAChallengeVerified.
func (m *MFAClient) Verify(ctx context.Context, params VerifyParams) (*Session, error) {
	if params.FactorID == "" {
		return nil, trace.BadParameter("missing parameter FactorID")
	}
	if params.ChallengeID == "" || params.Code == "" {
		return nil, trace.BadParameter("missing parameters ChallengeID and Code")
	}
	session, err := m.session(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	body := struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}{
		ChallengeID: params.ChallengeID,
		Code:        params.Code,
	}
	var upgraded Session
	path := "factors/" + url.PathEscape(params.FactorID) + "/verify"
	if err := m.client.doJSON(ctx, http.MethodPost, path, nil, bearer(session.AccessToken), &body, &upgraded); err != nil {
		return nil, trace.Wrap(err)
	}
	if upgraded.AccessToken == "" || upgraded.RefreshToken == "" {
		return nil, trace.Wrap(&apierror.InvalidTokenResponseError{})
	}
	if err := m.client.saveAndNotify(ctx, &upgraded, EventMFAChallengeVerified); err != nil {
		return nil, trace.Wrap(err)
	}
	return &upgraded, nil
}

// ChallengeAndVerifyParams run a challenge and its verification in one
// step, for TOTP factors where the user already has the code.
type ChallengeAndVerifyParams struct {
	// FactorID is the factor to challenge.
	FactorID string
	// Code is the current TOTP code.
	Code string
}

// ChallengeAndVerify opens a challenge and immediately answers it.
func (m *MFAClient) ChallengeAndVerify(ctx context.Context, params ChallengeAndVerifyParams) (*Session, error) {
	challenge, err := m.Challenge(ctx, ChallengeParams{FactorID: params.FactorID})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := m.Verify(ctx, VerifyParams{
		FactorID:    params.FactorID,
		ChallengeID: challenge.ID,
		Code:        params.Code,
	})
	return session, trace.Wrap(err)
}

// UnenrollResponse confirms a factor removal.
type UnenrollResponse struct {
	// ID is the removed factor's uuid.
	ID string `json:"id"`
}

// Unenroll removes a factor. Removing a verified factor downgrades the
// session's assurance level on its next refresh.
func (m *MFAClient) Unenroll(ctx context.Context, factorID string) (*UnenrollResponse, error) {
	if factorID == "" {
		return nil, trace.BadParameter("missing parameter factorID")
	}
	session, err := m.session(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var out UnenrollResponse
	path := "factors/" + url.PathEscape(factorID)
	if err := m.client.doJSON(ctx, http.MethodDelete, path, nil, bearer(session.AccessToken), nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// FactorList groups the user's enrolled factors.
type FactorList struct {
	// All lists every factor regardless of status.
	All []Factor
	// TOTP lists verified TOTP factors.
	TOTP []Factor
	// Phone lists verified phone factors.
	Phone []Factor
}

// ListFactors fetches the user and sorts their factors by kind, keeping
// only verified ones in the per-kind lists.
func (m *MFAClient) ListFactors(ctx context.Context) (*FactorList, error) {
	user, err := m.client.GetUser(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	list := &FactorList{All: user.Factors}
	for _, factor := range user.Factors {
		if factor.Status != "verified" {
			continue
		}
		switch factor.FactorType {
		case FactorTypeTOTP:
			list.TOTP = append(list.TOTP, factor)
		case FactorTypePhone:
			list.Phone = append(list.Phone, factor)
		}
	}
	return list, nil
}

// GetAuthenticatorAssuranceLevel reports the session's current assurance
// level and the level the user could reach, read from the access token
// claims without a network round trip.
func (m *MFAClient) GetAuthenticatorAssuranceLevel(ctx context.Context) (*AuthenticatorAssuranceLevel, error) {
	session, err := m.client.GetSession(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session == nil {
		return &AuthenticatorAssuranceLevel{}, nil
	}

	claims, err := DecodeAccessToken(session.AccessToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aal := &AuthenticatorAssuranceLevel{
		CurrentLevel:                 claims.AuthenticatorAssuranceLevel,
		NextLevel:                    claims.AuthenticatorAssuranceLevel,
		CurrentAuthenticationMethods: claims.AuthenticationMethods,
	}
	if session.User != nil {
		for _, factor := range session.User.Factors {
			if factor.Status == "verified" {
				aal.NextLevel = "aal2"
				break
			}
		}
	}
	return aal, nil
}
