package providers

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
)

// Descriptor is the static configuration of one provider. It is loaded once
// at startup and never modified afterwards.
type Descriptor struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURI  string
	Scopes       []string
}

// Defaults are the well-known endpoints and minimum scopes of a provider
// variant. Descriptor fields left empty are filled from them.
type Defaults struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	Scopes      []string
	// AuthStyle selects how client credentials reach the token endpoint.
	// Zero means oauth2.AuthStyleInParams.
	AuthStyle oauth2.AuthStyle
}

var providerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// WithDefaults returns a copy of d with empty endpoints and scopes taken from def.
func (d Descriptor) WithDefaults(def Defaults) Descriptor {
	out := d
	if out.AuthURL == "" {
		out.AuthURL = def.AuthURL
	}
	if out.TokenURL == "" {
		out.TokenURL = def.TokenURL
	}
	if out.UserInfoURL == "" {
		out.UserInfoURL = def.UserInfoURL
	}
	if len(out.Scopes) == 0 {
		out.Scopes = def.Scopes
	}
	// Deep copy scopes to prevent external modification
	out.Scopes = append([]string(nil), out.Scopes...)
	return out
}

// Validate checks that the descriptor is usable.
func (d Descriptor) Validate() error {
	if !providerNamePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid provider name %q", d.Name)
	}
	if d.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if d.ClientSecret == "" {
		return fmt.Errorf("client secret is required")
	}
	endpoints := []struct {
		field string
		value string
	}{
		{"auth_url", d.AuthURL},
		{"token_url", d.TokenURL},
		{"user_info_url", d.UserInfoURL},
		{"redirect_uri", d.RedirectURI},
	}
	for _, ep := range endpoints {
		if err := ValidateEndpointURL(ep.value); err != nil {
			return fmt.Errorf("%s: %w", ep.field, err)
		}
	}
	if len(d.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	if err := ValidateScopes(d.Scopes); err != nil {
		return fmt.Errorf("invalid scopes: %w", err)
	}
	return nil
}

// ValidateEndpointURL requires an absolute http(s) URL with a host and no fragment.
func ValidateEndpointURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.Fragment != "" {
		return fmt.Errorf("URL must not contain a fragment")
	}
	return nil
}

// ValidateScopes validates OAuth scope tokens (RFC 6749 section 3.3).
//
// Security Considerations:
//   - Array Size Limit: Prevents DoS from excessive scopes
//   - String Length Limit: Prevents memory exhaustion
//   - Empty Scope Detection: Prevents malformed requests
func ValidateScopes(scopes []string) error {
	if len(scopes) > 50 {
		return fmt.Errorf("too many scopes (max 50, got %d)", len(scopes))
	}

	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > 256 {
			return fmt.Errorf("scope at index %d exceeds maximum length of 256 characters", i)
		}
		if strings.ContainsAny(scope, " \"\\") {
			return fmt.Errorf("scope at index %d contains invalid characters", i)
		}
		for _, r := range scope {
			if r < 0x21 || r > 0x7e {
				return fmt.Errorf("scope at index %d contains invalid characters", i)
			}
		}
	}

	return nil
}
