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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/supabase-go/apierror"
	"github.com/gravitational/supabase-go/defaults"
)

// AdminClient exposes the server side user management API. Its requests
// authenticate with the configured service key, never the user session, so
// it is only usable with a privileged key. Access it through Client.Admin.
type AdminClient struct {
	clt *roundtrip.Client
}

// adminTransport stamps the configured service headers onto every request
// the admin client issues.
type adminTransport struct {
	inner   http.RoundTripper
	headers map[string]string
}

func (t *adminTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		if clone.Header.Get(k) == "" {
			clone.Header.Set(k, v)
		}
	}
	return t.inner.RoundTrip(clone)
}

func newAdminClient(c *Client) (*AdminClient, error) {
	headers := c.api.Headers()
	if headerValue(headers, "Authorization") == "" {
		if apikey := headerValue(headers, "apikey"); apikey != "" {
			headers["Authorization"] = "Bearer " + apikey
		}
	}

	base := c.api.HTTPClient()
	inner := base.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	hc := &http.Client{
		Transport:     &adminTransport{inner: inner, headers: headers},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
	clt, err := roundtrip.NewClient(c.api.BaseURL(), "", roundtrip.HTTPClient(hc))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &AdminClient{clt: clt}, nil
}

// headerValue looks a header up by name, case insensitively.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// convert classifies a roundtrip response, turning HTTP error statuses into
// typed auth errors.
func (a *AdminClient) convert(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.Wrap(apierror.FromTransportError(err))
	}
	resp := &http.Response{StatusCode: re.Code(), Header: re.Headers()}
	if err := apierror.FromResponse(resp, re.Bytes()); err != nil {
		return nil, trace.Wrap(err)
	}
	return re, nil
}

// AdminUserAttributes describe a user as the admin API creates or updates
// it. Zero valued fields are left untouched on update.
type AdminUserAttributes struct {
	// Email is the account email.
	Email string `json:"email,omitempty"`
	// Phone is the account phone number.
	Phone string `json:"phone,omitempty"`
	// Password is the account password, stored hashed.
	Password string `json:"password,omitempty"`
	// EmailConfirm marks the email as already confirmed, skipping the
	// confirmation message.
	EmailConfirm bool `json:"email_confirm,omitempty"`
	// PhoneConfirm marks the phone number as already confirmed.
	PhoneConfirm bool `json:"phone_confirm,omitempty"`
	// UserMetadata is the user controlled metadata blob.
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	// AppMetadata is the application controlled metadata blob.
	AppMetadata map[string]any `json:"app_metadata,omitempty"`
	// Role overrides the role claim minted into the user's tokens.
	Role string `json:"role,omitempty"`
	// BanDuration bans the user for a Go duration string, or "none" to
	// lift a ban.
	BanDuration string `json:"ban_duration,omitempty"`
}

// CreateUser creates a user without sending any confirmation message.
func (a *AdminClient) CreateUser(ctx context.Context, attrs AdminUserAttributes) (*User, error) {
	re, err := a.convert(a.clt.PostJSON(ctx, a.clt.Endpoint("admin", "users"), attrs))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var user User
	if err := json.Unmarshal(re.Bytes(), &user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// ListUsersParams page through the project's users.
type ListUsersParams struct {
	// Page is the 1-based page to fetch. Zero fetches the first page.
	Page int
	// PerPage is the page size. Zero uses the server default of 50.
	PerPage int
}

// UserList is one page of users plus the pagination cursors the server
// reported.
type UserList struct {
	// Users is the fetched page.
	Users []User `json:"users"`
	// Aud is the audience the listing was scoped to.
	Aud string `json:"aud"`
	// Total is the total number of users across all pages.
	Total int `json:"-"`
	// NextPage is the next page number, zero on the last page.
	NextPage int `json:"-"`
	// LastPage is the final page number.
	LastPage int `json:"-"`
}

// ListUsers fetches one page of users. Pagination cursors come from the
// response's Link and X-Total-Count headers.
func (a *AdminClient) ListUsers(ctx context.Context, params ListUsersParams) (*UserList, error) {
	query := url.Values{}
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	if params.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(params.PerPage))
	}

	re, err := a.convert(a.clt.Get(ctx, a.clt.Endpoint("admin", "users"), query))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var list UserList
	if err := json.Unmarshal(re.Bytes(), &list); err != nil {
		return nil, trace.Wrap(err)
	}
	if total := re.Headers().Get("X-Total-Count"); total != "" {
		list.Total, _ = strconv.Atoi(total)
	}
	next, last := parsePageLinks(re.Headers().Get("Link"))
	list.NextPage, list.LastPage = next, last
	return &list, nil
}

// parsePageLinks extracts the next and last page numbers from an RFC 8288
// Link header such as `</admin/users?page=2>; rel="next"`.
func parsePageLinks(header string) (next, last int) {
	for _, link := range strings.Split(header, ",") {
		target, rel, ok := strings.Cut(link, ";")
		if !ok {
			continue
		}
		target = strings.Trim(strings.TrimSpace(target), "<>")
		u, err := url.Parse(target)
		if err != nil {
			continue
		}
		page, err := strconv.Atoi(u.Query().Get("page"))
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(rel, `"next"`):
			next = page
		case strings.Contains(rel, `"last"`):
			last = page
		}
	}
	return next, last
}

// GetUserByID fetches a single user.
func (a *AdminClient) GetUserByID(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	re, err := a.convert(a.clt.Get(ctx, a.clt.Endpoint("admin", "users", id), nil))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var user User
	if err := json.Unmarshal(re.Bytes(), &user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// UpdateUserByID updates a user in place.
func (a *AdminClient) UpdateUserByID(ctx context.Context, id string, attrs AdminUserAttributes) (*User, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	re, err := a.convert(a.clt.PutJSON(ctx, a.clt.Endpoint("admin", "users", id), attrs))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var user User
	if err := json.Unmarshal(re.Bytes(), &user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// DeleteUser removes a user. With soft set the user is only marked deleted
// and their data is retained.
func (a *AdminClient) DeleteUser(ctx context.Context, id string, soft bool) error {
	if id == "" {
		return trace.BadParameter("missing parameter id")
	}
	_, err := a.convert(a.clt.RoundTrip(func() (*http.Response, error) {
		body, err := json.Marshal(struct {
			ShouldSoftDelete bool `json:"should_soft_delete"`
		}{ShouldSoftDelete: soft})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.clt.Endpoint("admin", "users", id), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", defaults.JSONContentType)
		return a.clt.HTTPClient().Do(req)
	}))
	return trace.Wrap(err)
}

// InviteParams tune an email invitation.
type InviteParams struct {
	// Data seeds the user metadata of the created account.
	Data map[string]any
	// RedirectTo is where the invitation link lands.
	RedirectTo string
}

// InviteUserByEmail creates a user and emails them an invitation link.
func (a *AdminClient) InviteUserByEmail(ctx context.Context, email string, params InviteParams) (*User, error) {
	if email == "" {
		return nil, trace.BadParameter("missing parameter email")
	}

	endpoint := a.clt.Endpoint("invite")
	if params.RedirectTo != "" {
		endpoint += "?" + url.Values{"redirect_to": {params.RedirectTo}}.Encode()
	}
	body := struct {
		Email string         `json:"email"`
		Data  map[string]any `json:"data,omitempty"`
	}{
		Email: email,
		Data:  params.Data,
	}
	re, err := a.convert(a.clt.PostJSON(ctx, endpoint, body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var user User
	if err := json.Unmarshal(re.Bytes(), &user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// LinkType names the kind of action link GenerateLink mints.
type LinkType string

const (
	// LinkSignup confirms a new account.
	LinkSignup LinkType = "signup"
	// LinkInvite invites a new user.
	LinkInvite LinkType = "invite"
	// LinkMagicLink signs an existing user in.
	LinkMagicLink LinkType = "magiclink"
	// LinkRecovery starts a password recovery.
	LinkRecovery LinkType = "recovery"
	// LinkEmailChangeCurrent confirms an email change at the old address.
	LinkEmailChangeCurrent LinkType = "email_change_current"
	// LinkEmailChangeNew confirms an email change at the new address.
	LinkEmailChangeNew LinkType = "email_change_new"
)

// GenerateLinkParams describe the action link to mint.
type GenerateLinkParams struct {
	// Type is the link kind.
	Type LinkType
	// Email is the target address.
	Email string
	// NewEmail is the address being changed to, for email change links.
	NewEmail string
	// Password is required for signup links.
	Password string
	// Data seeds the user metadata for signup and invite links.
	Data map[string]any
	// RedirectTo is where the link lands after verification.
	RedirectTo string
}

// GenerateLinkResponse is a minted action link plus the user it belongs to.
type GenerateLinkResponse struct {
	// ActionLink is the full verification URL.
	ActionLink string `json:"action_link"`
	// EmailOTP is the one time code embedded in the link.
	EmailOTP string `json:"email_otp"`
	// HashedToken is the token hash usable with VerifyOTP.
	HashedToken string `json:"hashed_token"`
	// VerificationType echoes the link kind.
	VerificationType string `json:"verification_type"`
	// RedirectTo echoes where the link lands.
	RedirectTo string `json:"redirect_to"`
	// User is the affected user.
	User *User `json:"-"`
}

// GenerateLink mints an action link without sending any message, for
// projects that deliver auth email through their own pipeline.
func (a *AdminClient) GenerateLink(ctx context.Context, params GenerateLinkParams) (*GenerateLinkResponse, error) {
	if params.Type == "" {
		return nil, trace.BadParameter("missing parameter Type")
	}
	if params.Email == "" {
		return nil, trace.BadParameter("missing parameter Email")
	}

	endpoint := a.clt.Endpoint("admin", "generate_link")
	if params.RedirectTo != "" {
		endpoint += "?" + url.Values{"redirect_to": {params.RedirectTo}}.Encode()
	}
	body := struct {
		Type     LinkType       `json:"type"`
		Email    string         `json:"email"`
		NewEmail string         `json:"new_email,omitempty"`
		Password string         `json:"password,omitempty"`
		Data     map[string]any `json:"data,omitempty"`
	}{
		Type:     params.Type,
		Email:    params.Email,
		NewEmail: params.NewEmail,
		Password: params.Password,
		Data:     params.Data,
	}
	re, err := a.convert(a.clt.PostJSON(ctx, endpoint, body))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// The server flattens the user fields into the same object as the
	// link fields, so the payload decodes twice.
	var link GenerateLinkResponse
	if err := json.Unmarshal(re.Bytes(), &link); err != nil {
		return nil, trace.Wrap(err)
	}
	var user User
	if err := json.Unmarshal(re.Bytes(), &user); err != nil {
		return nil, trace.Wrap(err)
	}
	link.User = &user
	return &link, nil
}

// ListUserFactors lists a user's enrolled MFA factors.
func (a *AdminClient) ListUserFactors(ctx context.Context, userID string) ([]Factor, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing parameter userID")
	}
	re, err := a.convert(a.clt.Get(ctx, a.clt.Endpoint("admin", "users", userID, "factors"), nil))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var factors []Factor
	if err := json.Unmarshal(re.Bytes(), &factors); err != nil {
		return nil, trace.Wrap(err)
	}
	return factors, nil
}

// DeleteUserFactor removes one of a user's MFA factors.
func (a *AdminClient) DeleteUserFactor(ctx context.Context, userID, factorID string) error {
	if userID == "" || factorID == "" {
		return trace.BadParameter("missing parameters userID and factorID")
	}
	_, err := a.convert(a.clt.Delete(ctx, a.clt.Endpoint("admin", "users", userID, "factors", factorID)))
	return trace.Wrap(err)
}
