package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/upb/governance-core/auth"
	"github.com/upb/governance-core/models"
)

var (
	tokenEmail  string
	tokenRole   string
	tokenTTL    time.Duration
	tokenIssuer string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(models.RoleViewer), "Role claim (informational, the stored role wins)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer (default: $JWT_ISSUER or governance-core)")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <principal-id>",
	Short: "Issue an HS256 bearer token for a principal",
	Long: `Issue an HS256 bearer token signed with $JWT_SECRET.

Meant for development and scripted tests.

Examples:
  govctl token 6f1c2b4e-8a57-4c1e-9d3a-0b5e7f9a2c11 --email ada@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		principalID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("principal id must be a UUID: %w", err)
		}
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		issuer := tokenIssuer
		if issuer == "" {
			issuer = os.Getenv("JWT_ISSUER")
		}
		if issuer == "" {
			issuer = "governance-core"
		}

		now := time.Now()
		token, err := auth.IssueToken(secret, issuer, principalID, tokenEmail, tokenRole, tokenTTL, now)
		if err != nil {
			return err
		}
		result := map[string]interface{}{"token": token, "expires_at": now.Add(tokenTTL).UTC()}
		if done, err := formatOutput(cmd.OutOrStdout(), result); done {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
