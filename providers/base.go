package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultRequestTimeout bounds each outbound provider call.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultRetryAttempts is the number of extra user-info attempts after a transport failure.
	DefaultRetryAttempts = 2

	// DefaultRetryBackoff is the delay before the first retry; it doubles per attempt.
	DefaultRetryBackoff = 200 * time.Millisecond

	// maxResponseBytes caps how much of a provider response is read.
	maxResponseBytes = 1 << 20
)

// Options tune the HTTP behaviour shared by all provider variants.
type Options struct {
	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is applied to calls whose context has no deadline (default: 10s).
	RequestTimeout time.Duration

	// RetryAttempts is the number of user-info retries after transport failures.
	// Negative disables retries. Zero means DefaultRetryAttempts.
	RetryAttempts int

	// RetryBackoff is the initial delay between user-info retries (default: 200ms).
	RetryBackoff time.Duration
}

// Base implements the authorization URL, code exchange and user-info request
// that every provider variant shares. Variants embed it and add identity
// normalization on top.
type Base struct {
	config         *oauth2.Config
	name           string
	userInfoURL    string
	headers        http.Header
	httpClient     *http.Client
	requestTimeout time.Duration
	retryAttempts  int
	retryBackoff   time.Duration
}

// NewBase validates the descriptor (after applying the variant defaults) and
// builds the shared client.
func NewBase(desc Descriptor, def Defaults, opts Options) (*Base, error) {
	desc = desc.WithDefaults(def)
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("provider %q: %w", desc.Name, err)
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	retryAttempts := opts.RetryAttempts
	switch {
	case retryAttempts == 0:
		retryAttempts = DefaultRetryAttempts
	case retryAttempts < 0:
		retryAttempts = 0
	}

	retryBackoff := opts.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = DefaultRetryBackoff
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
		}
	}

	authStyle := def.AuthStyle
	if authStyle == oauth2.AuthStyleAutoDetect {
		// Auto-detection retries the token request with a second auth style,
		// which would send the same code twice.
		authStyle = oauth2.AuthStyleInParams
	}

	return &Base{
		config: &oauth2.Config{
			ClientID:     desc.ClientID,
			ClientSecret: desc.ClientSecret,
			RedirectURL:  desc.RedirectURI,
			Scopes:       desc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   desc.AuthURL,
				TokenURL:  desc.TokenURL,
				AuthStyle: authStyle,
			},
		},
		name:           desc.Name,
		userInfoURL:    desc.UserInfoURL,
		headers:        http.Header{"Accept": []string{"application/json"}},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		retryAttempts:  retryAttempts,
		retryBackoff:   retryBackoff,
	}, nil
}

// Name returns the provider name.
func (b *Base) Name() string {
	return b.name
}

// Scopes returns a copy of the configured scopes.
func (b *Base) Scopes() []string {
	return append([]string(nil), b.config.Scopes...)
}

// SetHeader sets a header sent with every user-info request.
// It must only be called while the variant is being constructed.
func (b *Base) SetHeader(key, value string) {
	b.headers.Set(key, value)
}

// AuthorizationURL generates the authorization URL with the S256 PKCE challenge.
func (b *Base) AuthorizationURL(state string, codeChallenge string) string {
	return b.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ensureContextTimeout ensures the context has a deadline, adding one if needed.
// Returns a new context with timeout and a cancel function that should be deferred.
// If the context already has a deadline, returns the original context with a no-op cancel.
func (b *Base) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.requestTimeout)
}

// ExchangeCode exchanges an authorization code for tokens with PKCE verification.
//
// The token request is only repeated when the connection could not be
// established at all. Once the provider has seen the code a second attempt
// would be rejected as a replay, so every other failure is returned as is.
func (b *Base) ExchangeCode(ctx context.Context, code string, verifier string) (*oauth2.Token, error) {
	ctx, cancel := b.ensureContextTimeout(ctx)
	defer cancel()

	// Use custom HTTP client
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	var err error
	for attempt := 0; ; attempt++ {
		var token *oauth2.Token
		token, err = b.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err == nil {
			if token.AccessToken == "" {
				return nil, &ExchangeError{
					Provider: b.name,
					Kind:     ExchangeMalformedResponse,
					Err:      errors.New("response has no access_token"),
				}
			}
			return token, nil
		}
		if !isDialError(err) || attempt >= b.retryAttempts {
			break
		}
		if waitErr := b.wait(ctx, attempt); waitErr != nil {
			break
		}
	}

	return nil, b.classifyExchangeError(err)
}

func (b *Base) classifyExchangeError(err error) *ExchangeError {
	exErr := &ExchangeError{Provider: b.name, Err: err}

	var rErr *oauth2.RetrieveError
	switch {
	case errors.As(err, &rErr):
		if rErr.Response != nil {
			exErr.StatusCode = rErr.Response.StatusCode
		}
		exErr.ErrorCode = rErr.ErrorCode
		switch {
		case exErr.StatusCode >= http.StatusInternalServerError:
			exErr.Kind = ExchangeTransport
		case rErr.ErrorCode == "invalid_client" || rErr.ErrorCode == "unauthorized_client":
			exErr.Kind = ExchangeClientRejected
		default:
			exErr.Kind = ExchangeInvalidGrant
		}
	case isTransportError(err):
		exErr.Kind = ExchangeTransport
	default:
		exErr.Kind = ExchangeMalformedResponse
	}
	return exErr
}

// FetchClaims performs the user-info GET and decodes the JSON document.
// Transport failures (including 5xx responses) are retried with backoff.
func (b *Base) FetchClaims(ctx context.Context, accessToken string) (map[string]any, error) {
	ctx, cancel := b.ensureContextTimeout(ctx)
	defer cancel()

	var lastErr *IdentityError
	for attempt := 0; attempt <= b.retryAttempts; attempt++ {
		if attempt > 0 {
			if err := b.wait(ctx, attempt-1); err != nil {
				break
			}
		}
		claims, err := b.fetchClaimsOnce(ctx, accessToken)
		if err == nil {
			return claims, nil
		}
		lastErr = err
		if err.Kind != IdentityTransport {
			break
		}
	}
	return nil, lastErr
}

func (b *Base) fetchClaimsOnce(ctx context.Context, accessToken string) (map[string]any, *IdentityError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userInfoURL, nil)
	if err != nil {
		return nil, &IdentityError{Provider: b.name, Kind: IdentityMalformedResponse, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	for key, values := range b.headers {
		req.Header[key] = values
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &IdentityError{Provider: b.name, Kind: IdentityTransport, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &IdentityError{Provider: b.name, Kind: IdentityTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &IdentityError{Provider: b.name, Kind: IdentityTransport, StatusCode: resp.StatusCode, Err: errors.New("provider unavailable")}
	case resp.StatusCode != http.StatusOK:
		return nil, &IdentityError{Provider: b.name, Kind: IdentityMalformedResponse, StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	var claims map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return nil, &IdentityError{Provider: b.name, Kind: IdentityMalformedResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode user info: %w", err)}
	}
	if claims == nil {
		return nil, &IdentityError{Provider: b.name, Kind: IdentityMalformedResponse, StatusCode: resp.StatusCode, Err: errors.New("user info is not a JSON object")}
	}

	return claims, nil
}

// wait sleeps for the backoff of the given attempt or until ctx is done.
func (b *Base) wait(ctx context.Context, attempt int) error {
	delay := b.retryBackoff << attempt
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isDialError reports whether the request failed before a connection existed.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
