package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long: `Create, list, rotate, suspend and revoke API keys directly against the key store.

Keys are addressed by id or by their displayed prefix.`,
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyStatusCmd("suspend", "Temporarily disable an API key", (*service.Manager).Suspend))
	cmd.AddCommand(newKeyStatusCmd("reactivate", "Return a suspended API key to service", (*service.Manager).Reactivate))
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyStatsCmd())

	return cmd
}

// withManager opens the store, builds a Manager and runs fn.
func withManager(fn func(ctx context.Context, m *service.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := config.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	m, err := newManager(store, cfg, cliLogger())
	if err != nil {
		return err
	}
	return fn(context.Background(), m)
}

// resolveKey finds a key by id, falling back to a unique prefix match.
func resolveKey(ctx context.Context, m *service.Manager, ref string) (*model.APIKey, error) {
	key, err := m.Get(ctx, ref)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, service.ErrKeyNotFound) {
		return nil, err
	}

	keys, err := m.List(ctx, config.APIKeyFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}
	var matched *model.APIKey
	for i := range keys {
		if strings.HasPrefix(keys[i].KeyPrefix, ref) {
			if matched != nil {
				return nil, fmt.Errorf("prefix %q matches more than one API key, use the id", ref)
			}
			matched = &keys[i]
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("no API key found with id or prefix %q", ref)
	}
	return matched, nil
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name          string
		scopes        []string
		userID        string
		clientID      string
		expiresInDays int
		perMinute     int
		perHour       int
		perDay        int
		allowedIPs    []string
		fixed         bool
		rotationDays  int
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  keyward key create --name "billing sync" --scope billing --scope read_only
  keyward key create --name partner --expires-in-days 30 --allow-ip 10.0.0.0/8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.GenerateRequest{
				Name:                 name,
				AllowedIPs:           allowedIPs,
				RotationIntervalDays: rotationDays,
			}
			for _, s := range scopes {
				req.Scopes = append(req.Scopes, model.Scope(s))
			}
			if userID != "" {
				req.UserID = &userID
			}
			if clientID != "" {
				req.ClientID = &clientID
			}
			if cmd.Flags().Changed("expires-in-days") {
				req.ExpiresInDays = &expiresInDays
			}
			if perMinute > 0 || perHour > 0 || perDay > 0 {
				req.RateLimits = &model.RateLimits{PerMinute: perMinute, PerHour: perHour, PerDay: perDay}
			}
			if fixed {
				rotatable := false
				req.IsRotatable = &rotatable
			}
			return withManager(func(ctx context.Context, m *service.Manager) error {
				issued, err := m.Generate(ctx, req)
				if err != nil {
					return fmt.Errorf("create api key: %w", err)
				}
				return printIssued(os.Stdout, "API Key created:", issued, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to grant (repeatable)")
	cmd.Flags().StringVar(&userID, "user-id", "", "Owning user id")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Owning client id")
	cmd.Flags().IntVar(&expiresInDays, "expires-in-days", 0, "Expire the key after this many days")
	cmd.Flags().IntVar(&perMinute, "per-minute", 0, "Requests allowed per minute")
	cmd.Flags().IntVar(&perHour, "per-hour", 0, "Requests allowed per hour")
	cmd.Flags().IntVar(&perDay, "per-day", 0, "Requests allowed per day")
	cmd.Flags().StringSliceVar(&allowedIPs, "allow-ip", nil, "Allowed client IP or CIDR (repeatable)")
	cmd.Flags().BoolVar(&fixed, "no-rotate", false, "Create a key that cannot be rotated")
	cmd.Flags().IntVar(&rotationDays, "rotation-days", 0, "Rotation interval in days (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

func printIssued(w io.Writer, title string, issued *service.IssuedKey, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(issued)
	}

	k := issued.Key
	fmt.Fprintln(w, title)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Key:     %s\n", issued.Plaintext)
	fmt.Fprintf(w, "  ID:      %s\n", k.ID)
	fmt.Fprintf(w, "  Name:    %s\n", k.Name)
	fmt.Fprintf(w, "  Scopes:  %s\n", strings.Join(model.ScopeStrings(k.Scopes), ", "))
	fmt.Fprintf(w, "  Limits:  %d/min %d/hour %d/day\n", k.PerMinute, k.PerHour, k.PerDay)
	if k.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires: %s\n", k.ExpiresAt.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		userID     string
		status     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *service.Manager) error {
				keys, err := m.List(ctx, config.APIKeyFilter{
					UserID: userID,
					Status: model.KeyStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return fmt.Errorf("list api keys: %w", err)
				}
				return printKeys(os.Stdout, keys, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "Only keys owned by this user")
	cmd.Flags().StringVar(&status, "status", "", "Only keys in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of keys (default 100)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printKeys(w io.Writer, keys []model.APIKey, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Fprintln(w, "No API keys found. Use 'keyward key create' to create one.")
		return nil
	}

	fmt.Fprintf(w, "%-36s %-10s %-24s %-10s %-24s %s\n", "ID", "PREFIX", "NAME", "STATUS", "SCOPES", "REQUESTS")
	fmt.Fprintf(w, "%-36s %-10s %-24s %-10s %-24s %s\n", "--", "------", "----", "------", "------", "--------")
	for _, k := range keys {
		fmt.Fprintf(w, "%-36s %-10s %-24s %-10s %-24s %d\n",
			k.ID, k.KeyPrefix, k.Name, k.Status, strings.Join(model.ScopeStrings(k.Scopes), ","), k.TotalRequests)
	}
	return nil
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "rotate <id|prefix>",
		Short: "Issue a new secret for an API key",
		Long:  "Replace the key's secret. The old secret stops working immediately.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *service.Manager) error {
				key, err := resolveKey(ctx, m, args[0])
				if err != nil {
					return err
				}
				issued, err := m.Rotate(ctx, key.ID)
				if err != nil {
					return fmt.Errorf("rotate api key: %w", err)
				}
				return printIssued(os.Stdout, "API Key rotated:", issued, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key suspend / reactivate ----------

func newKeyStatusCmd(use, short string, op func(*service.Manager, context.Context, string) (*model.APIKey, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id|prefix>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *service.Manager) error {
				key, err := resolveKey(ctx, m, args[0])
				if err != nil {
					return err
				}
				updated, err := op(m, ctx, key.ID)
				if err != nil {
					return fmt.Errorf("%s api key: %w", use, err)
				}
				fmt.Printf("API key %s (%s) is now %s\n", updated.KeyPrefix, updated.Name, updated.Status)
				return nil
			})
		},
	}
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id|prefix>",
		Short: "Revoke an API key",
		Long:  "Permanently disable an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *service.Manager) error {
				key, err := resolveKey(ctx, m, args[0])
				if err != nil {
					return err
				}
				if err := m.Revoke(ctx, key.ID); err != nil {
					return fmt.Errorf("revoke api key: %w", err)
				}
				fmt.Printf("Revoked API key with prefix %q\n", key.KeyPrefix)
				return nil
			})
		},
	}
}

// ---------- key stats ----------

func newKeyStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <id|prefix>",
		Short: "Show usage statistics for an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *service.Manager) error {
				key, err := resolveKey(ctx, m, args[0])
				if err != nil {
					return err
				}
				stats, err := m.Stats(ctx, key.ID)
				if err != nil {
					return fmt.Errorf("api key stats: %w", err)
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
}
