package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   string
		wantErr    bool
	}{
		{"success", "?state=s1&code=abc", http.StatusOK, "abc", false},
		{"state mismatch", "?state=other&code=abc", http.StatusBadRequest, "", true},
		{"denied", "?state=s1&error=access_denied", http.StatusBadRequest, "", true},
		{"missing code", "?state=s1", http.StatusBadRequest, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make(chan callbackResult, 1)
			rec := httptest.NewRecorder()
			callbackHandler("s1", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback"+tt.query, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			res := <-results
			if res.code != tt.wantCode {
				t.Errorf("code = %q, want %q", res.code, tt.wantCode)
			}
			if (res.err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", res.err, tt.wantErr)
			}
		})
	}
}

func TestDeliverKeepsFirstResult(t *testing.T) {
	results := make(chan callbackResult, 1)
	deliver(results, callbackResult{code: "first"})
	deliver(results, callbackResult{code: "second"})
	if got := (<-results).code; got != "first" {
		t.Errorf("code = %q, want first", got)
	}
}
