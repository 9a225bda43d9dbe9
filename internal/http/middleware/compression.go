package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForMedia wraps a compression middleware so that media
// responses bypass it. Compressing video breaks byte ranges and
// Content-Length, and gains nothing.
func SkipCompressionForMedia(compressionHandler func(http.Handler) http.Handler, mediaPaths ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}

			for _, p := range mediaPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			compressedHandler.ServeHTTP(w, r)
		})
	}
}
