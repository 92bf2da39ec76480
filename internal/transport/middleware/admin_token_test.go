// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminTokenAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name          string
		configured    string
		authorization string
		wantStatus    int
		wantChallenge bool
	}{
		{
			name:       "rejects when admin token is not configured",
			configured: "",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:          "rejects missing token",
			configured:    "admin-secret",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: true,
		},
		{
			name:          "rejects wrong token",
			configured:    "admin-secret",
			authorization: "Bearer nope",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: true,
		},
		{
			name:          "accepts valid token",
			configured:    "admin-secret",
			authorization: "Bearer admin-secret",
			wantStatus:    http.StatusOK,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/api-keys", nil)
			if tc.authorization != "" {
				req.Header.Set("Authorization", tc.authorization)
			}
			rec := httptest.NewRecorder()

			AdminTokenAuth(tc.configured, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d got %d", tc.wantStatus, rec.Code)
			}
			if tc.wantChallenge {
				if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
					t.Fatalf("expected WWW-Authenticate header %q got %q", "Bearer", got)
				}
			}
		})
	}
}
