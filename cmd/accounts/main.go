// Package main provides the account management CLI tool.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mkalpine/codeassist-relay/internal/auth"
	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/pool"
)

func main() {
	args := os.Args[1:]
	command := "help"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
	}

	store := pool.NewStore("")
	accountPool := pool.NewPool(store, pool.NewTokenManager())
	if err := accountPool.Load(); err != nil {
		fmt.Printf("Error: failed to load accounts: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)

	var err error
	switch command {
	case "add":
		err = addAccount(scanner, accountPool)
	case "import":
		err = importAccount(accountPool)
	case "list":
		listAccounts(accountPool)
	case "enable":
		err = setEnabled(accountPool, args[1:], true)
	case "disable":
		err = setEnabled(accountPool, args[1:], false)
	case "remove":
		err = removeAccount(accountPool, args[1:])
	case "fingerprint":
		err = fingerprintCommand(accountPool, args[1:])
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  codeassist-accounts add                      Add an account via OAuth")
	fmt.Println("  codeassist-accounts import                   Import from the local Antigravity app")
	fmt.Println("  codeassist-accounts list                     List all accounts")
	fmt.Println("  codeassist-accounts enable <email>           Enable an account")
	fmt.Println("  codeassist-accounts disable <email>          Disable an account")
	fmt.Println("  codeassist-accounts remove <email>           Remove an account")
	fmt.Println("  codeassist-accounts fingerprint regenerate <email>")
	fmt.Println("  codeassist-accounts fingerprint restore <email> <index>")
}

// addAccount runs the paste-code OAuth flow.
func addAccount(scanner *bufio.Scanner, p *pool.Pool) error {
	authURL, err := auth.GetAuthorizationURL()
	if err != nil {
		return err
	}

	fmt.Println("\nOpen this URL in your browser and sign in:")
	fmt.Println("\n  " + authURL.URL)
	fmt.Print("\nPaste the callback URL or authorization code: ")

	if !scanner.Scan() {
		return fmt.Errorf("no input received")
	}
	code, err := auth.ExtractCodeFromInput(scanner.Text())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := auth.CompleteOAuthFlow(ctx, code, authURL.Verifier)
	if err != nil {
		return err
	}

	composite := auth.FormatRefreshParts(auth.RefreshParts{
		RefreshToken: result.RefreshToken,
		ProjectID:    result.ProjectID,
	})
	if err := p.AddOrUpdate(&pool.Account{
		Email:             result.Email,
		Source:            pool.SourceOAuth,
		ProjectID:         result.ProjectID,
		OAuthRefreshToken: composite,
		Enabled:           true,
	}); err != nil {
		return err
	}

	fmt.Printf("\nAdded account %s", result.Email)
	if result.ProjectID != "" {
		fmt.Printf(" (project %s)", result.ProjectID)
	}
	fmt.Println()
	return nil
}

// importAccount pulls credentials from the local Antigravity database.
func importAccount(p *pool.Pool) error {
	if !auth.IsLocalDatabaseAccessible("") {
		return fmt.Errorf("local Antigravity database not found at %s", config.AntigravityDBPath)
	}

	status, err := auth.ReadLocalAuthStatus("")
	if err != nil {
		return err
	}
	if status.Email == "" {
		return fmt.Errorf("local database has no signed-in account")
	}

	if err := p.AddOrUpdate(&pool.Account{
		Email:   status.Email,
		Source:  pool.SourceImported,
		APIKey:  status.APIKey,
		Enabled: true,
	}); err != nil {
		return err
	}

	fmt.Printf("Imported account %s from the local Antigravity app\n", status.Email)
	return nil
}

func listAccounts(p *pool.Pool) {
	accounts := p.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}

	fmt.Printf("%-35s %-10s %-9s %-8s %s\n", "EMAIL", "SOURCE", "STATUS", "ENABLED", "LAST USED")
	for _, acc := range accounts {
		status := acc.Status
		if acc.IsInvalid {
			status = "invalid"
		}
		lastUsed := "-"
		if acc.LastUsed > 0 {
			lastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}
		fmt.Printf("%-35s %-10s %-9s %-8t %s\n", acc.Email, acc.Source, status, acc.Enabled, lastUsed)
	}
}

func setEnabled(p *pool.Pool, args []string, enabled bool) error {
	if len(args) == 0 {
		return fmt.Errorf("email is required")
	}
	if err := p.SetEnabled(args[0], enabled); err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("Account %s %s\n", args[0], state)
	return nil
}

func removeAccount(p *pool.Pool, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("email is required")
	}
	if err := p.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Account %s removed\n", args[0])
	return nil
}

func fingerprintCommand(p *pool.Pool, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: fingerprint regenerate|restore <email> [index]")
	}
	action, email := args[0], args[1]

	switch action {
	case "regenerate":
		fp, err := p.RegenerateFingerprint(email)
		if err != nil {
			return err
		}
		fmt.Printf("Regenerated fingerprint for %s (device %s)\n", email, fp.DeviceID)
		return nil

	case "restore":
		if len(args) < 3 {
			return fmt.Errorf("usage: fingerprint restore <email> <index>")
		}
		index, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid index %q", args[2])
		}
		fp, err := p.RestoreFingerprint(email, index)
		if err != nil {
			return err
		}
		fmt.Printf("Restored fingerprint %d for %s (device %s)\n", index, email, fp.DeviceID)
		return nil

	default:
		return fmt.Errorf("unknown fingerprint action %q", action)
	}
}
