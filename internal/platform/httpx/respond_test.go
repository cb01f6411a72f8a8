package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	JSON(rr, http.StatusAccepted, map[string]string{"status": "ok"})

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestWriteProblem(t *testing.T) {
	cases := []struct {
		name   string
		status int
		detail string
		want   Problem
	}{
		{
			name:   "client error keeps detail",
			status: http.StatusBadRequest,
			detail: "invoice id required",
			want:   Problem{Title: "Bad Request", Status: http.StatusBadRequest, Detail: "invoice id required"},
		},
		{
			name:   "server error hides detail",
			status: http.StatusServiceUnavailable,
			detail: "dial tcp 10.0.0.5:6379: refused",
			want:   Problem{Title: "Service Unavailable", Status: http.StatusServiceUnavailable},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			WriteProblem(rr, tc.status, tc.detail)

			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
			var got Problem
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			require.Equal(t, tc.want, got)
		})
	}
}
