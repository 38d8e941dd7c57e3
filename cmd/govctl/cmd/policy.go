package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/services/permission"
)

var policyFile string

func init() {
	policyCmd.PersistentFlags().StringVarP(&policyFile, "file", "f", "", "Policy file (default: $GOVERNANCE_POLICY_FILE or the built-in table)")
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyCheckCmd)
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the role permission policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective role table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := loadPolicy()
		if err != nil {
			return err
		}
		roles := make(map[string][]string)
		for _, role := range models.Roles() {
			roles[string(role)] = table.Permissions(role)
		}
		if done, err := formatOutput(cmd.OutOrStdout(), map[string]interface{}{"roles": roles}); done {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tPERMISSIONS")
		for _, role := range models.Roles() {
			fmt.Fprintf(w, "%s\t%s\n", role, strings.Join(roles[string(role)], ", "))
		}
		return w.Flush()
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <role> <permission>",
	Short: "Resolve one permission for a role",
	Long: `Resolve one permission for a role without touching the database.

Examples:
  govctl policy check manager approve:role_change
  govctl policy check viewer delete:project -f policy.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := models.Role(args[0])
		if !role.IsValid() {
			return fmt.Errorf("unknown role %q", args[0])
		}
		table, err := loadPolicy()
		if err != nil {
			return err
		}
		allowed, via := table.Resolve(role, args[1])
		result := map[string]interface{}{"role": role, "permission": args[1], "allowed": allowed, "via": via}
		if done, err := formatOutput(cmd.OutOrStdout(), result); done {
			return err
		}
		if allowed {
			fmt.Fprintf(cmd.OutOrStdout(), "ALLOWED via %s\n", via)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "DENIED")
		}
		return nil
	},
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a policy file parses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := permission.LoadPolicyFile(args[0])
		if err != nil {
			return err
		}
		defined := 0
		for _, role := range models.Roles() {
			if len(table.Permissions(role)) > 0 {
				defined++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d roles)\n", args[0], defined)
		return nil
	},
}

func loadPolicy() (*permission.PolicyTable, error) {
	path := policyFile
	if path == "" {
		path = os.Getenv("GOVERNANCE_POLICY_FILE")
	}
	if path == "" {
		return permission.DefaultPolicyTable(), nil
	}
	return permission.LoadPolicyFile(path)
}
