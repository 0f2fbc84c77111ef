package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PieroV/mirror-to-onedrive/internal/config"
	"github.com/PieroV/mirror-to-onedrive/internal/graph"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with OneDrive using the authorization code flow",
		Long: `Print the authorization URL, then exchange the code pasted back for a
token. The token is refreshed automatically from then on; login again only
if the service reports an authentication error.`,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	oauthCfg := graph.OAuth2Config(loadedCfg.ClientID, loadedCfg.ClientSecret, loadedCfg.RedirectURI)

	authURL, err := graph.AuthCodeURL(oauthCfg)
	if err != nil {
		return err
	}

	// Prompts must stay visible under --quiet, so they go to stderr.
	fmt.Fprintf(os.Stderr, "To sign in, visit:\n\n  %s\n\n", authURL)
	fmt.Fprintf(os.Stderr, "then paste the code from the redirect URL here.\nCode: ")

	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading authorization code: %w", err)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("no authorization code entered")
	}

	if err := config.EnsureDataDir(); err != nil {
		return err
	}

	tokenPath := config.TokenPath()
	if err := graph.Login(ctx, oauthCfg, code, tokenPath, logger); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Login successful. Token saved to %s\n", tokenPath)

	return nil
}
