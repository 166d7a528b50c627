package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	custody "github.com/akarales/zap-custody"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage custody key records",
	Long:  `Manage key records in custody including generation, listing, trash and restore, and permanent deletion.`,
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key record",
	Long:  `Generate a new key pair, encrypt the private key under the supplied password, and store the record in custody.`,
	RunE:  runKeyGenerate,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key records",
	Long:  `List key records in custody with their network, role, status and creation time. Active records are listed by default.`,
	RunE:  runKeyList,
}

var keyInfoCmd = &cobra.Command{
	Use:   "info <record-id>",
	Short: "Show detailed information about a key record",
	Long:  `Display detailed information about a specific key record including addresses, derivation path and backup bookkeeping.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyInfo,
}

var keyTrashCmd = &cobra.Command{
	Use:   "trash <record-id>",
	Short: "Move an active key record to the trash",
	Long:  `Move an active key record to the trash. Trashed records are excluded from backups and listings but can be restored.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyTrash,
}

var keyRestoreCmd = &cobra.Command{
	Use:   "restore <record-id>",
	Short: "Restore a trashed key record",
	Long:  `Restore a trashed key record to active status.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRestore,
}

var keyPurgeCmd = &cobra.Command{
	Use:   "purge <record-id>",
	Short: "Permanently delete a key record",
	Long:  `Permanently delete a key record and wipe its encrypted private key material. This operation is irreversible: any funds or data controlled solely by this key become unrecoverable.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyPurge,
}

var keyRevealCmd = &cobra.Command{
	Use:   "reveal <record-id>",
	Short: "Reveal the private key of a record",
	Long:  `Decrypt and print the private key of a record. The key is printed to stdout exactly once; the access is always audited.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyReveal,
}

// Flags
var (
	jsonOutput      bool
	includeTrashed  bool
	listVaultID     string
	listNetwork     string
	keyPassword     string
	forceDestroy    bool
	genVaultID      string
	genNetwork      string
	genRole         string
	genLabel        string
	genPath         string
	genQuantum      bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyGenerateCmd)
	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyInfoCmd)
	keysCmd.AddCommand(keyTrashCmd)
	keysCmd.AddCommand(keyRestoreCmd)
	keysCmd.AddCommand(keyPurgeCmd)
	keysCmd.AddCommand(keyRevealCmd)

	// Add flags
	keyGenerateCmd.Flags().StringVar(&genVaultID, "vault-id", "", "vault the record belongs to")
	keyGenerateCmd.Flags().StringVar(&genNetwork, "network", "zap", "target network (bitcoin, ethereum, cosmos:<chain>, zap)")
	keyGenerateCmd.Flags().StringVar(&genRole, "role", "", "key role for zap keys (genesis, validator, governance, treasury, emergency)")
	keyGenerateCmd.Flags().StringVar(&genLabel, "label", "", "human-readable label")
	keyGenerateCmd.Flags().StringVar(&genPath, "derivation-path", "", "derivation path to record")
	keyGenerateCmd.Flags().BoolVar(&genQuantum, "quantum", false, "mix additional entropy into key generation")
	keyGenerateCmd.Flags().StringVar(&keyPassword, "password", "", "password protecting the private key")

	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyListCmd.Flags().BoolVar(&includeTrashed, "include-trashed", false, "Include trashed records")
	keyListCmd.Flags().StringVar(&listVaultID, "vault-id", "", "Filter by vault")
	keyListCmd.Flags().StringVar(&listNetwork, "network", "", "Filter by network")

	keyInfoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	keyPurgeCmd.Flags().BoolVar(&forceDestroy, "force", false, "Purge even if the record is still active")

	keyRevealCmd.Flags().StringVar(&keyPassword, "password", "", "password protecting the private key")
}

func runKeyGenerate(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	if keyPassword == "" {
		return auditCmdComplete(cmd, fmt.Errorf("--password is required"), started)
	}

	record, err := vaultSvc.GenerateKey(custody.GenerateRequest{
		VaultID:         genVaultID,
		Network:         custody.Network(genNetwork),
		Role:            custody.KeyRole(genRole),
		Label:           genLabel,
		Password:        keyPassword,
		QuantumEnhanced: genQuantum,
		DerivationPath:  genPath,
	})
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to generate key: %w", err), started)
	}

	fmt.Printf("Generated key record: %s\n", record.ID)
	fmt.Printf("  Network: %s\n", record.Network)
	if record.Role != "" {
		fmt.Printf("  Role:    %s\n", record.Role)
	}
	fmt.Printf("  Address: %s\n", record.Address)
	fmt.Printf("  Entropy: %s\n", record.EntropySource)

	return auditCmdComplete(cmd, nil, started)
}

func runKeyList(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	records, err := vaultSvc.ListKeys(custody.ListOptions{
		VaultID:        listVaultID,
		Network:        custody.Network(listNetwork),
		IncludeTrashed: includeTrashed,
	})
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list keys: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(records), started)
	}

	if len(records) == 0 {
		fmt.Println("No key records found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNETWORK\tROLE\tLABEL\tSTATUS\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Network, r.Role, r.Label, r.Status,
			r.CreatedAt.Format(time.RFC3339))
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyInfo(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	record, err := vaultSvc.GetKey(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(record), started)
	}

	fmt.Printf("Record:    %s\n", record.ID)
	fmt.Printf("Vault:     %s\n", record.VaultID)
	fmt.Printf("Network:   %s\n", record.Network)
	if record.Role != "" {
		fmt.Printf("Role:      %s\n", record.Role)
	}
	fmt.Printf("Label:     %s\n", record.Label)
	fmt.Printf("Address:   %s\n", record.Address)
	fmt.Printf("Status:    %s\n", record.Status)
	if record.DerivationPath != "" {
		fmt.Printf("Path:      %s\n", record.DerivationPath)
	}
	fmt.Printf("Entropy:   %s\n", record.EntropySource)
	fmt.Printf("Created:   %s\n", record.CreatedAt.Format(time.RFC3339))
	if record.TrashedAt != nil {
		fmt.Printf("Trashed:   %s\n", record.TrashedAt.Format(time.RFC3339))
	}
	if record.LastBackupAt != nil {
		fmt.Printf("Backed up: %s\n", record.LastBackupAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Backed up: never\n")
	}

	return auditCmdComplete(cmd, nil, started)
}

func runKeyTrash(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	if err := vaultSvc.TrashKey(args[0]); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Record %s moved to trash.\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runKeyRestore(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	if err := vaultSvc.RestoreKey(args[0]); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Record %s restored to active.\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runKeyPurge(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	recordID := args[0]

	record, err := vaultSvc.GetKey(recordID)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if record.Status == custody.StatusActive && !forceDestroy {
		err = fmt.Errorf("record %s is still active; trash it first or pass --force", recordID)
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Permanently deleting record %s (%s).\n", recordID, record.Label)
	fmt.Print("This cannot be undone. Continue? (y/N): ")

	var response string
	_, _ = fmt.Scanln(&response)

	if response != "y" && response != "Y" {
		fmt.Println("Purge cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := vaultSvc.PurgeKey(recordID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to purge key: %w", err), started)
	}

	fmt.Printf("Record %s permanently deleted.\n", recordID)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyReveal(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	if keyPassword == "" {
		return auditCmdComplete(cmd, fmt.Errorf("--password is required"), started)
	}

	buf, err := vaultSvc.RevealPrivateKey(args[0], keyPassword)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer buf.Destroy()

	fmt.Printf("%x\n", buf.Bytes())
	return auditCmdComplete(cmd, nil, started)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
