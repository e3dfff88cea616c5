package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-engine/internal/secrets"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stored provider API keys",
	Long:  "Stored keys are sealed with security.encryption_key and override keys from the config file.",
}

var keysSetCmd = &cobra.Command{
	Use:   "set <provider> <key>",
	Short: "Store an API key for a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), "keys")
		if err != nil {
			return err
		}
		defer env.Close()

		provider := strings.ToLower(strings.TrimSpace(args[0]))
		key := strings.TrimSpace(args[1])
		if key == "" {
			return eris.New("key must not be empty")
		}
		if err := env.Engine.SetAPIKey(cmd.Context(), provider, key); err != nil {
			return eris.Wrap(err, "keys set")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %s key %s\n", provider, secrets.Hint(key))
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with a stored API key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEngine(cmd.Context(), "keys")
		if err != nil {
			return err
		}
		defer env.Close()

		keys, err := env.Engine.ListAPIKeyProviders(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "keys list")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PROVIDER\tKEY\tUPDATED")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", k.Provider, k.Hint, k.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a new random value for security.encryption_key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysSetCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	rootCmd.AddCommand(keysCmd)
}
