package models

// User is the profile returned by GET /auth/me
type User struct {
	ID        FlexID `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"full_name,omitempty"`
	AvatarURL string `json:"google_picture,omitempty"`
	IsActive  bool   `json:"is_active"`
}

// DisplayName returns the name to greet the user with
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// Credential is the persisted client-side authentication record. An empty
// Token means "not authenticated"; there is never more than one token.
type Credential struct {
	Token string `json:"token,omitempty"`
	User  *User  `json:"user,omitempty"`
}

// OAuthProfile is the provider profile exchanged for a backend session token
// at POST /auth/oauth/callback
type OAuthProfile struct {
	Email             string `json:"email"`
	Name              string `json:"name,omitempty"`
	Image             string `json:"image,omitempty"`
	Provider          string `json:"provider"`
	ProviderAccountID string `json:"provider_account_id"`
	AccessToken       string `json:"access_token,omitempty"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	ExpiresAt         int64  `json:"expires_at,omitempty"`
	IDToken           string `json:"id_token,omitempty"`
	Scope             string `json:"scope,omitempty"`
	TokenType         string `json:"token_type,omitempty"`
	SessionState      string `json:"session_state,omitempty"`
}

// TokenResponse is the backend's answer to a sign-in exchange
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        User   `json:"user"`
}

// VerifyEmailResponse reports whether an account exists for an address
type VerifyEmailResponse struct {
	Exists bool  `json:"exists"`
	User   *User `json:"user,omitempty"`
}

// ProfileUpdate carries the editable profile fields of PUT /users/me
type ProfileUpdate struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}
