//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the binary is built without -tags embed; the
// caller falls back to serving the editor page from the filesystem.
func Handler() http.Handler {
	return nil
}
