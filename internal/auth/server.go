package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	// CallbackPort is the port for the OAuth callback server
	CallbackPort = 8089
	// AuthTimeout is how long to wait for the user to complete auth
	AuthTimeout = 5 * time.Minute
)

// RedirectURL is the callback registered for the local authorization flow
var RedirectURL = fmt.Sprintf("http://localhost:%d/callback", CallbackPort)

const successPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Successful</title></head>
<body style="font-family: system-ui; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0;">
<div style="text-align: center;">
<h1 style="color: #10B981;">Success!</h1>
<p>You can close this window and return to the terminal.</p>
</div>
</body>
</html>`

// callbackResult is what the redirect delivered: a code or an error
type callbackResult struct {
	code string
	err  error
}

// Authorize runs the OAuth consent flow with a local callback server and
// returns the authorization code. The caller exchanges it through the Manager.
func Authorize(ctx context.Context, cfg *oauth2.Config) (string, error) {
	// Generate state for CSRF protection
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	results := make(chan callbackResult, 1)

	// Create server mux (don't use DefaultServeMux)
	mux := http.NewServeMux()
	mux.Handle("/callback", callbackHandler(state, results))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", CallbackPort))
	if err != nil {
		return "", fmt.Errorf("starting callback server: %w", err)
	}

	server := &http.Server{Handler: mux}
	defer shutdownServer(server)

	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			deliver(results, callbackResult{err: fmt.Errorf("server error: %w", err)})
		}
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "force"))
	fmt.Println()
	fmt.Println("To authorize stravasync, open this URL in your browser:")
	fmt.Println()
	fmt.Printf("  %s\n", authURL)
	fmt.Println()
	fmt.Println("Waiting for authorization...")

	select {
	case res := <-results:
		return res.code, res.err
	case <-time.After(AuthTimeout):
		return "", fmt.Errorf("authorization timeout after %v", AuthTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// callbackHandler validates the redirect and delivers the code
func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if q.Get("state") != state {
			deliver(results, callbackResult{err: fmt.Errorf("state mismatch - possible CSRF attack")})
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}

		if errMsg := q.Get("error"); errMsg != "" {
			deliver(results, callbackResult{err: fmt.Errorf("authorization denied: %s", errMsg)})
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}

		code := q.Get("code")
		if code == "" {
			deliver(results, callbackResult{err: fmt.Errorf("no code in callback")})
			http.Error(w, "No authorization code", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, successPage)
		deliver(results, callbackResult{code: code})
	})
}

// deliver keeps the first result; later callbacks are dropped
func deliver(results chan<- callbackResult, res callbackResult) {
	select {
	case results <- res:
	default:
	}
}

// generateState creates a random state string for CSRF protection
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// shutdownServer gracefully shuts down the HTTP server
func shutdownServer(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
