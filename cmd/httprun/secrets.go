package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jrammler/httprun/internal/service/auth"
	"github.com/jrammler/httprun/internal/storage"
)

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	value, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(value), nil
}

func encryptSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret",
		Short: "Encrypt an SSH password or key for a command seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cipher, err := newCipher(cfg)
			if err != nil {
				return err
			}
			value, err := readSecret("Enter secret: ")
			if err != nil {
				return err
			}
			encrypted, err := cipher.Encrypt(value)
			if err != nil {
				return err
			}
			fmt.Println(encrypted)
			return nil
		},
	}
}

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Print the bcrypt hash of a secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			value, err := readSecret("Enter secret: ")
			if err != nil {
				return err
			}
			hashed, err := auth.HashSecret(value, cfg.Security.TokenHashCost)
			if err != nil {
				return err
			}
			fmt.Printf("Hashed secret: %s\n", hashed)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	var name string
	issue := &cobra.Command{
		Use:   "issue-admin",
		Short: "Create a new admin token and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			authService := auth.NewAuthService(store, auth.NewMemoryCache(0), cfg.Security.TokenHashCost, cfg.Location())
			issued, err := authService.IssueAdmin(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Printf("Token id: %s\nToken: %s\n", issued.ID, issued.Value)
			return nil
		},
	}
	issue.Flags().StringVar(&name, "name", "admin", "token name")
	cmd.AddCommand(issue)
	return cmd
}
