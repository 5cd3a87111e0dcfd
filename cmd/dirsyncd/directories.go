package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dirsyncd/dirsyncd/internal/config"
	"github.com/dirsyncd/dirsyncd/internal/idp/providers"
	"github.com/dirsyncd/dirsyncd/internal/idp/rest"
	"github.com/dirsyncd/dirsyncd/internal/store"
)

var directoriesCmd = &cobra.Command{
	Use:   "directories",
	Short: "Manage synced directories.",
}

var (
	dirCreateAccountID   string
	dirCreateProvider    string
	dirCreateName        string
	dirCreateConfigFile  string
	dirCreateConfigStdin bool
	dirCreatePromptField string
	dirCreateSkipVerify  bool

	dirListAccountID string
	dirID            string
)

var directoriesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a directory for syncing.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(dirCreateAccountID)
		if err != nil {
			return fmt.Errorf("--account: %w", err)
		}
		if !providers.Known(dirCreateProvider) {
			return fmt.Errorf("unknown provider %q (google, entra, okta)", dirCreateProvider)
		}

		rawConfig, err := resolveDirectoryConfig(cmd)
		if err != nil {
			return err
		}

		// Decoding through the adapter constructor surfaces config
		// mistakes now instead of on the first scheduled sync.
		adapter, err := providers.New(dirCreateProvider, rawConfig, rest.NewClient(rest.Options{}))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		verified := false
		if !dirCreateSkipVerify {
			if err := adapter.Verify(ctx); err != nil {
				return fmt.Errorf("verification failed (use --skip-verify to register anyway): %w", err)
			}
			verified = true
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dir, err := st.CreateDirectory(ctx, store.CreateDirectoryParams{
			AccountID: accountID,
			Provider:  dirCreateProvider,
			Name:      dirCreateName,
			Config:    rawConfig,
		})
		if err != nil {
			return err
		}
		if verified {
			if err := st.SetDirectoryVerified(ctx, dir.ID, true); err != nil {
				return err
			}
		}

		cmd.Printf("created directory %s (%s %s)\n", dir.ID, dir.Provider, dir.Name)
		if !verified {
			cmd.Println("run `dirsyncd directories verify --id " + dir.ID.String() + "` to check credentials and scopes")
		}
		return nil
	},
}

var directoriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List directories for an account.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(dirListAccountID)
		if err != nil {
			return fmt.Errorf("--account: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dirs, err := st.ListDirectories(ctx, accountID)
		if err != nil {
			return err
		}

		for _, d := range dirs {
			status := "enabled"
			if d.IsDisabled {
				status = "disabled"
			}
			synced := "never"
			if d.SyncedAt != nil {
				synced = d.SyncedAt.UTC().Format(time.RFC3339)
			}
			cmd.Printf("%s\t%s\t%s\t%s\tverified=%t\tsynced=%s\n",
				d.ID, d.Provider, d.Name, status, d.IsVerified, synced)
			if d.ErrorMessage != nil {
				cmd.Printf("\terror: %s\n", *d.ErrorMessage)
			}
		}
		return nil
	},
}

var directoriesVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Probe a directory's credentials and scopes.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(dirID)
		if err != nil {
			return fmt.Errorf("--id: %w", err)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		st, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		dir, err := st.GetDirectory(ctx, id)
		if err != nil {
			return err
		}

		rc := rest.NewClient(rest.Options{
			RequestTimeout:       cfg.HTTPRequestTimeout,
			ConnectTimeout:       cfg.HTTPConnectTimeout,
			MaxConcurrentPerHost: int64(cfg.HTTPMaxConcurrentPerHost),
		})
		adapter, err := providers.New(dir.Provider, dir.Config, rc)
		if err != nil {
			return err
		}

		if err := adapter.Verify(ctx); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if err := st.SetDirectoryVerified(ctx, id, true); err != nil {
			return err
		}

		cmd.Printf("directory %s verified\n", id)
		return nil
	},
}

var directoriesEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Re-enable a disabled directory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(cmd, func(ctx context.Context, st *store.Store, id uuid.UUID) error {
			if err := st.SetDirectoryEnabled(ctx, id); err != nil {
				return err
			}
			cmd.Printf("directory %s enabled\n", id)
			return nil
		})
	},
}

var directoriesDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable a directory so it is skipped by the scheduler.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(cmd, func(ctx context.Context, st *store.Store, id uuid.UUID) error {
			if err := st.DisableDirectory(ctx, id, time.Now().UTC(), "", "Disabled by operator"); err != nil {
				return err
			}
			cmd.Printf("directory %s disabled\n", id)
			return nil
		})
	},
}

var directoriesRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete a directory and its synced rows.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(cmd, func(ctx context.Context, st *store.Store, id uuid.UUID) error {
			if err := st.DeleteDirectory(ctx, id); err != nil {
				return err
			}
			cmd.Printf("directory %s removed\n", id)
			return nil
		})
	},
}

func withDirectory(cmd *cobra.Command, fn func(context.Context, *store.Store, uuid.UUID) error) error {
	id, err := uuid.Parse(dirID)
	if err != nil {
		return fmt.Errorf("--id: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, st, id)
}

func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.New(ctx, cfg.DatabaseURL)
}

// resolveDirectoryConfig reads the provider config JSON and optionally
// splices in one secret field prompted without echo, so credentials
// never land in shell history or on-disk config files.
func resolveDirectoryConfig(cmd *cobra.Command) ([]byte, error) {
	if dirCreateConfigFile != "" && dirCreateConfigStdin {
		return nil, errors.New("--config-file and --config-stdin are mutually exclusive")
	}

	var raw []byte
	switch {
	case dirCreateConfigFile != "":
		b, err := os.ReadFile(dirCreateConfigFile)
		if err != nil {
			return nil, err
		}
		raw = b
	case dirCreateConfigStdin:
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, errors.New("stdin is a terminal; use --config-file or pipe the config")
		}
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, errors.New("provide the provider config with --config-file or --config-stdin")
	}

	if dirCreatePromptField == "" {
		return raw, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("--prompt-secret needs an interactive terminal")
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("config is not a JSON object: %w", err)
	}

	cmd.Printf("%s: ", dirCreatePromptField)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	cmd.Println()
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, errors.New("secret is empty")
	}
	obj[dirCreatePromptField] = string(secret)

	return json.Marshal(obj)
}

func init() {
	directoriesCmd.AddCommand(directoriesCreateCmd, directoriesListCmd, directoriesVerifyCmd, directoriesEnableCmd, directoriesDisableCmd, directoriesRemoveCmd)

	directoriesCreateCmd.Flags().StringVar(&dirCreateAccountID, "account", "", "Account id the directory belongs to")
	directoriesCreateCmd.Flags().StringVar(&dirCreateProvider, "provider", "", "Identity provider: google, entra or okta")
	directoriesCreateCmd.Flags().StringVar(&dirCreateName, "name", "", "Human-readable directory name")
	directoriesCreateCmd.Flags().StringVar(&dirCreateConfigFile, "config-file", "", "Path to the provider config JSON")
	directoriesCreateCmd.Flags().BoolVar(&dirCreateConfigStdin, "config-stdin", false, "Read the provider config JSON from stdin")
	directoriesCreateCmd.Flags().StringVar(&dirCreatePromptField, "prompt-secret", "", "Config field to fill from a hidden prompt (e.g. client_secret)")
	directoriesCreateCmd.Flags().BoolVar(&dirCreateSkipVerify, "skip-verify", false, "Register without probing credentials and scopes")
	_ = directoriesCreateCmd.MarkFlagRequired("account")
	_ = directoriesCreateCmd.MarkFlagRequired("provider")
	_ = directoriesCreateCmd.MarkFlagRequired("name")

	directoriesListCmd.Flags().StringVar(&dirListAccountID, "account", "", "Account id")
	_ = directoriesListCmd.MarkFlagRequired("account")

	for _, c := range []*cobra.Command{directoriesVerifyCmd, directoriesEnableCmd, directoriesDisableCmd, directoriesRemoveCmd} {
		c.Flags().StringVar(&dirID, "id", "", "Directory id")
		_ = c.MarkFlagRequired("id")
	}
}
