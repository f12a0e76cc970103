package providers

import (
	"encoding/json"
	"strings"
)

// StringClaim walks a dotted path through decoded user-info claims and returns
// the value as a string. Numbers are rendered in their original decimal form.
// Empty strings count as absent.
func StringClaim(claims map[string]any, path string) (string, bool) {
	var cur any = claims
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[key]
		if !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// NewIdentity builds an Identity from claims using the value at path as the
// user id. A missing or empty value yields an IdentityMissingRequiredField error.
func NewIdentity(provider string, claims map[string]any, path string) (*Identity, error) {
	userID, ok := StringClaim(claims, path)
	if !ok {
		return nil, MissingField(provider, path)
	}
	return &Identity{
		UserID:    userID,
		Provider:  provider,
		RawClaims: claims,
	}, nil
}
