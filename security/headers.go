package security

import "net/http"

// SetSecurityHeaders sets the headers every relay response carries.
// hsts enables Strict-Transport-Security and should only be set when the
// relay is reached over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, hsts bool) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")

	// No relay response loads scripts, styles or frames
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// The callback URL carries the authorization code
	h.Set("Referrer-Policy", "no-referrer")

	if hsts {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

// SecurityHeadersMiddleware applies SetSecurityHeaders to every response.
// HSTS is sent when hsts is true or the request arrived over TLS.
func SecurityHeadersMiddleware(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, hsts || r.TLS != nil)
			next.ServeHTTP(w, r)
		})
	}
}
