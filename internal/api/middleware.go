package api

import (
	"context"
	"net/http"
)

// UserAddressHeader carries the caller identity set by the authenticating
// gateway. The relay trusts it; JWT verification happens upstream.
const UserAddressHeader = "X-User-Address"

type contextKey string

const userAddressKey contextKey = "user_address"

// IdentityMiddleware requires the gateway identity header and stashes the
// address in the request context.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.Header.Get(UserAddressHeader)
		if address == "" {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated",
				"Missing identity", "the "+UserAddressHeader+" header is required")
			return
		}

		ctx := context.WithValue(r.Context(), userAddressKey, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserAddress returns the authenticated caller address from the context.
func UserAddress(ctx context.Context) string {
	address, _ := ctx.Value(userAddressKey).(string)
	return address
}
