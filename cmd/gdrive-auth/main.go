// Command gdrive-auth runs the OAuth consent flow once and prints the
// refresh token the worker needs for GDRIVE_REFRESH_TOKEN.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"ticketrender/internal/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	clientID := pflag.String("client-id", os.Getenv("GDRIVE_CLIENT_ID"), "OAuth client id")
	clientSecret := pflag.String("client-secret", os.Getenv("GDRIVE_CLIENT_SECRET"), "OAuth client secret")
	wait := pflag.Duration("timeout", 3*time.Minute, "how long to wait for the browser callback")
	pflag.Parse()

	log := logger.New(logger.Config{Level: "info", Format: "text", ServiceName: "gdrive-auth"})
	if strings.TrimSpace(*clientID) == "" || strings.TrimSpace(*clientSecret) == "" {
		log.LogFatal("client id and secret are required (--client-id/--client-secret or GDRIVE_CLIENT_ID/GDRIVE_CLIENT_SECRET)", nil)
	}

	token, err := authorize(context.Background(), *clientID, *clientSecret, *wait)
	if err != nil {
		log.LogFatal("authorization failed", err)
	}

	if strings.TrimSpace(token.RefreshToken) == "" {
		fmt.Println("No refresh token was returned.")
		fmt.Println("Revoke the app's previous access at https://myaccount.google.com/permissions and run again.")
		os.Exit(1)
	}
	fmt.Println("GDRIVE_REFRESH_TOKEN=" + token.RefreshToken)
}

// authorize serves the redirect on a free loopback port and exchanges the
// returned code for a token.
func authorize(ctx context.Context, clientID, clientSecret string, wait time.Duration) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code, err := callbackCode(r, state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			select {
			case errCh <- err:
			default:
			}
			return
		}
		fmt.Fprintln(w, "Authorized. You can close this window.")
		select {
		case codeCh <- code:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Println("Open this URL in your browser:")
	fmt.Println(authURL)
	fmt.Println("Waiting for authorization on", redirectURL)

	select {
	case code := <-codeCh:
		return conf.Exchange(ctx, code)
	case err := <-errCh:
		return nil, err
	case <-time.After(wait):
		return nil, fmt.Errorf("timed out after %s waiting for authorization", wait)
	}
}

func callbackCode(r *http.Request, state string) (string, error) {
	q := r.URL.Query()
	if q.Get("state") != state {
		return "", fmt.Errorf("invalid state")
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("auth error: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("missing code")
	}
	return code, nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
