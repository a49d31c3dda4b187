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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/supabase-go/apierror"
)

func TestMFAEnrollTOTP(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/factors", r.URL.Path)
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "totp", body["factor_type"])
		require.Equal(t, "laptop", body["friendly_name"])
		require.Equal(t, "example.com", body["issuer"])
		writeJSON(w, map[string]any{
			"id":            "factor-1",
			"type":          "totp",
			"friendly_name": "laptop",
			"totp": map[string]any{
				"qr_code": "<svg/>",
				"secret":  "JBSWY3DP",
				"uri":     "otpauth://totp/example.com",
			},
		})
	})
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    freshExpiry(),
	})

	resp, err := client.MFA.Enroll(t.Context(), EnrollParams{
		FactorType:   FactorTypeTOTP,
		FriendlyName: "laptop",
		Issuer:       "example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "factor-1", resp.ID)
	require.Equal(t, FactorTypeTOTP, resp.Type)
	require.NotNil(t, resp.TOTP)
	require.Equal(t, "JBSWY3DP", resp.TOTP.Secret)
}

func TestMFAEnrollValidation(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, nil)

	_, err := client.MFA.Enroll(t.Context(), EnrollParams{})
	require.True(t, trace.IsBadParameter(err))

	_, err = client.MFA.Enroll(t.Context(), EnrollParams{FactorType: "carrier-pigeon"})
	require.True(t, trace.IsBadParameter(err))

	// A valid factor type without a session fails later, at the session
	// check.
	_, err = client.MFA.Enroll(t.Context(), EnrollParams{FactorType: FactorTypeTOTP})
	require.True(t, apierror.IsSessionMissing(err))
}

func TestMFAChallengeAndVerify(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/factors/factor-1/challenge":
			require.Equal(t, http.MethodPost, r.Method)
			writeJSON(w, map[string]any{
				"id":         "challenge-1",
				"type":       "totp",
				"expires_at": time.Now().Add(5 * time.Minute).Unix(),
			})
		case "/factors/factor-1/verify":
			require.Equal(t, http.MethodPost, r.Method)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "challenge-1", body["challenge_id"])
			require.Equal(t, "123456", body["code"])
			writeJSON(w, sessionBody("access-2", "refresh-2"))
		default:
			t.Errorf("unexpected request %v %v", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    freshExpiry(),
	})
	recorder := newEventRecorder()
	sub := client.OnAuthStateChange(recorder.handle)
	defer sub.Unsubscribe()
	recorder.expect(t, EventInitialSession)

	session, err := client.MFA.ChallengeAndVerify(t.Context(), ChallengeAndVerifyParams{
		FactorID: "factor-1",
		Code:     "123456",
	})
	require.NoError(t, err)
	require.Equal(t, "access-2", session.AccessToken)

	got := recorder.expect(t, EventMFAChallengeVerified)
	require.Equal(t, "access-2", got.AccessToken)
	require.Equal(t, "refresh-2", storedSession(t, client).RefreshToken)
}

func TestMFAChallengePhoneChannel(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/factors/factor-2/challenge", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "whatsapp", body["channel"])
		writeJSON(w, map[string]any{"id": "challenge-2", "type": "phone"})
	})
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    freshExpiry(),
	})

	challenge, err := client.MFA.Challenge(t.Context(), ChallengeParams{
		FactorID: "factor-2",
		Channel:  "whatsapp",
	})
	require.NoError(t, err)
	require.Equal(t, "challenge-2", challenge.ID)
}

func TestMFAVerifyValidation(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, nil)

	_, err := client.MFA.Verify(t.Context(), VerifyParams{})
	require.True(t, trace.IsBadParameter(err))

	_, err = client.MFA.Verify(t.Context(), VerifyParams{FactorID: "factor-1"})
	require.True(t, trace.IsBadParameter(err))

	_, err = client.MFA.Verify(t.Context(), VerifyParams{FactorID: "factor-1", ChallengeID: "challenge-1"})
	require.True(t, trace.IsBadParameter(err))
}

func TestMFAUnenroll(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/factors/factor-1", r.URL.Path)
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		writeJSON(w, map[string]any{"id": "factor-1"})
	})
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    freshExpiry(),
	})

	resp, err := client.MFA.Unenroll(t.Context(), "factor-1")
	require.NoError(t, err)
	require.Equal(t, "factor-1", resp.ID)
}

func TestMFAListFactors(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user", r.URL.Path)
		writeJSON(w, map[string]any{
			"id": "user-1",
			"factors": []map[string]any{
				{"id": "f1", "factor_type": "totp", "status": "verified"},
				{"id": "f2", "factor_type": "totp", "status": "unverified"},
				{"id": "f3", "factor_type": "phone", "status": "verified"},
			},
		})
	})
	seedSession(t, client, &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    freshExpiry(),
	})

	list, err := client.MFA.ListFactors(t.Context())
	require.NoError(t, err)
	require.Len(t, list.All, 3)
	require.Len(t, list.TOTP, 1)
	require.Equal(t, "f1", list.TOTP[0].ID)
	require.Len(t, list.Phone, 1)
	require.Equal(t, "f3", list.Phone[0].ID)
}

func TestGetAuthenticatorAssuranceLevel(t *testing.T) {
	t.Parallel()

	t.Run("no session", func(t *testing.T) {
		t.Parallel()
		client := newTestClient(t, nil)

		aal, err := client.MFA.GetAuthenticatorAssuranceLevel(t.Context())
		require.NoError(t, err)
		require.Empty(t, aal.CurrentLevel)
		require.Empty(t, aal.NextLevel)
	})

	t.Run("verified factor raises next level", func(t *testing.T) {
		t.Parallel()
		client := newTestClient(t, nil)

		issued := time.Now().Unix()
		token := testToken(t, map[string]any{
			"sub": "user-1",
			"exp": freshExpiry(),
			"aal": "aal1",
			"amr": []map[string]any{{"method": "password", "timestamp": issued}},
		})
		seedSession(t, client, &Session{
			AccessToken:  token,
			RefreshToken: "refresh-1",
			ExpiresAt:    freshExpiry(),
			User: &User{
				ID:      "user-1",
				Factors: []Factor{{ID: "f1", FactorType: FactorTypeTOTP, Status: "verified"}},
			},
		})

		aal, err := client.MFA.GetAuthenticatorAssuranceLevel(t.Context())
		require.NoError(t, err)
		require.Equal(t, "aal1", aal.CurrentLevel)
		require.Equal(t, "aal2", aal.NextLevel)
		require.Equal(t, []AMREntry{{Method: "password", Timestamp: issued}}, aal.CurrentAuthenticationMethods)
	})
}
