package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// DoListAccounts prints the registered accounts with their default marker,
// email, cooldown state, and failure counters.
func DoListAccounts(st Store) {
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	refs, err := st.LoadOrderedAccounts(ctx)
	if err != nil {
		fmt.Printf("Failed to list accounts: %v\n", err)
		os.Exit(1)
	}
	if len(refs) == 0 {
		fmt.Println("No accounts registered. Run with -login to add one.")
		return
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDEFAULT\tEMAIL\tSTATE\tFAILURES\tLAST ERROR")
	for _, ref := range refs {
		email := ""
		state := "ready"
		file, errLoad := st.LoadTokens(ctx, ref.Dir)
		switch {
		case errLoad != nil:
			state = "unreadable"
		case file == nil:
			state = "no tokens"
		default:
			email = file.Email
		}

		status, _ := st.ReadStatus(ctx, ref.Name)
		if state == "ready" && status.CooldownUntil != "" {
			if until, errParse := time.Parse(time.RFC3339, status.CooldownUntil); errParse == nil && now.Before(until) {
				state = fmt.Sprintf("cooldown %s", until.Sub(now).Round(time.Second))
			}
		}

		marker := ""
		if ref.Default {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", ref.Name, marker, email, state, status.Failures, status.LastError)
	}
	_ = w.Flush()
}

// DoRemoveAccount deletes an account and its credentials from the store.
func DoRemoveAccount(st Store, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	if err := st.RemoveAccount(ctx, name); err != nil {
		fmt.Printf("Failed to remove account: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Account %s removed\n", name)
}

// DoSetDefaultAccount marks an account as the pool's default.
func DoSetDefaultAccount(st Store, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	if err := st.SetDefault(ctx, name); err != nil {
		fmt.Printf("Failed to set default account: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Default account is now %s\n", name)
}
