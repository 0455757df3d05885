package middleware

import "net/http"

// UserIDHeader carries the authenticated user identity injected by the
// upstream gateway. Authentication itself happens outside this service.
const UserIDHeader = "X-User-ID"

func RequesterID(r *http.Request) string {
	return r.Header.Get(UserIDHeader)
}
