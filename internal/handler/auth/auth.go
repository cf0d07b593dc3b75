// Package auth resolves the calling device from request credentials.
// Credential verification proper lives in an upstream gateway; this
// service trusts the identity headers that gateway injects.
package auth

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

const (
	AccountHeader = "X-Auth-Account"
	DeviceHeader  = "X-Auth-Device"
)

type contextKey struct{}

// FromRequest extracts the authenticated device from the identity
// headers. ok is false when the headers are absent or malformed.
func FromRequest(r *http.Request) (model.AccountDevice, bool) {
	account, err := uuid.Parse(r.Header.Get(AccountHeader))
	if err != nil {
		return model.AccountDevice{}, false
	}
	device, err := strconv.ParseUint(r.Header.Get(DeviceHeader), 10, 32)
	if err != nil {
		return model.AccountDevice{}, false
	}
	return model.AccountDevice{Account: account, Device: uint32(device)}, true
}

// Middleware rejects unauthenticated requests and stashes the device
// identity in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ad, ok := FromRequest(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ad)))
	})
}

func WithIdentity(ctx context.Context, ad model.AccountDevice) context.Context {
	return context.WithValue(ctx, contextKey{}, ad)
}

// Identity returns the device stored by Middleware.
func Identity(ctx context.Context) (model.AccountDevice, bool) {
	ad, ok := ctx.Value(contextKey{}).(model.AccountDevice)
	return ad, ok
}
