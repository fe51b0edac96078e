package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/codexmux/internal/auth/codex"
	"github.com/router-for-me/codexmux/internal/browser"
	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/misc"
	"github.com/router-for-me/codexmux/internal/store"
	"github.com/router-for-me/codexmux/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	// defaultCallbackPort is the port the codex CLI registered for its
	// OAuth redirect URI. The authorization server only redirects there.
	defaultCallbackPort = 1455
	// callbackWaitTimeout bounds how long the login command waits for the
	// browser round trip.
	callbackWaitTimeout = 5 * time.Minute
	// manualPromptDelay is how long to wait before offering the
	// paste-the-URL fallback for machines where the browser cannot reach
	// the local callback server.
	manualPromptDelay = 15 * time.Second
)

// LoginOptions contains options for the login process.
type LoginOptions struct {
	// NoBrowser indicates whether to skip opening the browser automatically.
	NoBrowser bool

	// CallbackPort overrides the local OAuth callback port when set (>0).
	CallbackPort int

	// AccountName names the account in the store. Empty derives a name
	// from the authenticated email.
	AccountName string

	// Prompt allows the caller to provide interactive input when needed.
	Prompt func(prompt string) (string, error)
}

// DoCodexLogin runs the OAuth authorization-code flow with PKCE and saves
// the resulting tokens as a pool account. The flow starts a local callback
// server, sends the user's browser to the authorization page, exchanges the
// returned code for tokens, and registers the account in the store.
func DoCodexLogin(cfg *config.Config, st Store, options *LoginOptions) {
	if options == nil {
		options = &LoginOptions{}
	}

	promptFn := options.Prompt
	if promptFn == nil {
		promptFn = stdinPrompt
	}

	callbackPort := defaultCallbackPort
	if options.CallbackPort > 0 {
		callbackPort = options.CallbackPort
	}

	pkceCodes, err := codex.GeneratePKCECodes()
	if err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}

	state, err := misc.GenerateRandomState()
	if err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}

	oauthServer := codex.NewOAuthServer(callbackPort)
	if err = oauthServer.Start(); err != nil {
		if strings.Contains(err.Error(), "already in use") {
			log.Errorf("callback port %d is busy; close the process holding it or pass -oauth-callback-port", callbackPort)
			os.Exit(1)
		}
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if stopErr := oauthServer.Stop(stopCtx); stopErr != nil {
			log.Warnf("oauth callback server stop error: %v", stopErr)
		}
	}()

	authSvc := codex.NewCodexAuth(cfg.OAuthClientID, cfg.ProxyURL)

	authURL, err := authSvc.GenerateAuthURL(state, pkceCodes)
	if err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}

	if !options.NoBrowser {
		fmt.Println("Opening browser for Codex authentication")
		if !browser.IsAvailable() {
			log.Warn("No browser available; please open the URL manually")
			util.PrintSSHTunnelInstructions(callbackPort)
			fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
		} else if err = browser.OpenURL(authURL); err != nil {
			log.Warnf("Failed to open browser automatically: %v", err)
			util.PrintSSHTunnelInstructions(callbackPort)
			fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
		}
	} else {
		util.PrintSSHTunnelInstructions(callbackPort)
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	}

	fmt.Println("Waiting for Codex authentication callback...")

	result, err := waitForOAuthResult(oauthServer, promptFn)
	if err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}

	if result.Error != "" {
		fmt.Printf("Codex authentication failed: %s\n", result.Error)
		return
	}
	if result.State != state {
		fmt.Println("Codex authentication failed: state mismatch, please retry the login")
		return
	}

	log.Debug("authorization code received; exchanging for tokens")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	data, err := authSvc.ExchangeCodeForTokens(ctx, result.Code, pkceCodes)
	if err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}

	name, err := resolveAccountName(options.AccountName, data.Email, promptFn)
	if err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}

	saveCtx, cancelSave := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSave()
	if err = st.RegisterAccount(saveCtx, name); err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}
	if err = st.SaveTokens(saveCtx, st.AccountDir(name), codex.TokenFileFromData(data)); err != nil {
		fmt.Printf("Codex authentication failed: %v\n", err)
		return
	}

	fmt.Printf("Authentication saved to %s\n", filepath.Join(st.AccountDir(name), "auth.json"))
	if data.Email != "" {
		fmt.Printf("Account %s registered for %s\n", name, data.Email)
	} else {
		fmt.Printf("Account %s registered\n", name)
	}
	fmt.Println("Codex authentication successful!")
}

// waitForOAuthResult waits for the local callback, offering a paste-the-URL
// prompt after a grace period so SSH sessions without a forwarded port can
// still finish the flow.
func waitForOAuthResult(oauthServer *codex.OAuthServer, promptFn func(string) (string, error)) (*codex.OAuthResult, error) {
	callbackCh := make(chan *codex.OAuthResult, 1)
	callbackErrCh := make(chan error, 1)

	go func() {
		result, err := oauthServer.WaitForCallback(callbackWaitTimeout)
		if err != nil {
			callbackErrCh <- err
			return
		}
		callbackCh <- result
	}()

	var manualPromptC <-chan time.Time
	if promptFn != nil {
		timer := time.NewTimer(manualPromptDelay)
		defer timer.Stop()
		manualPromptC = timer.C
	}

	for {
		select {
		case result := <-callbackCh:
			return result, nil
		case err := <-callbackErrCh:
			return nil, err
		case <-manualPromptC:
			manualPromptC = nil
			// The callback may have landed while the user was deciding.
			select {
			case result := <-callbackCh:
				return result, nil
			case err := <-callbackErrCh:
				return nil, err
			default:
			}
			input, err := promptFn("Paste the callback URL (or press Enter to keep waiting): ")
			if err != nil {
				return nil, err
			}
			parsed, err := misc.ParseOAuthCallback(input)
			if err != nil {
				return nil, err
			}
			if parsed == nil {
				continue
			}
			errText := parsed.Error
			if errText == "" && parsed.ErrorDescription != "" {
				errText = parsed.ErrorDescription
			}
			return &codex.OAuthResult{
				Code:  parsed.Code,
				State: parsed.State,
				Error: errText,
			}, nil
		}
	}
}

// resolveAccountName picks the store name for a freshly authenticated
// account: the explicit -account value, a name derived from the email, or
// whatever the user types at the prompt.
func resolveAccountName(explicit, email string, promptFn func(string) (string, error)) (string, error) {
	if explicit != "" {
		if !store.ValidAccountName(explicit) {
			return "", fmt.Errorf("invalid account name %q, use letters, digits, - or _", explicit)
		}
		return explicit, nil
	}
	if derived := accountNameFromEmail(email); derived != "" {
		return derived, nil
	}
	if promptFn == nil {
		return "", fmt.Errorf("no account name available, pass -account")
	}
	input, err := promptFn("Account name for this login: ")
	if err != nil {
		return "", err
	}
	input = strings.TrimSpace(input)
	if !store.ValidAccountName(input) {
		return "", fmt.Errorf("invalid account name %q, use letters, digits, - or _", input)
	}
	return input, nil
}

// accountNameFromEmail maps an email to a store-safe account name, e.g.
// "alice@example.com" becomes "alice-example-com". Returns empty when
// nothing usable is left after sanitizing.
func accountNameFromEmail(email string) string {
	lowered := strings.ToLower(strings.TrimSpace(email))
	if lowered == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-_")
	if !store.ValidAccountName(name) {
		return ""
	}
	return name
}

// stdinPrompt reads one line from standard input.
func stdinPrompt(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
