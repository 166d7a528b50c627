package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	custody "github.com/akarales/zap-custody"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore key records",
	Long:  "Create encrypted backup artifacts on trusted drives, verify them, and restore records from them.",
}

var createBackupCmd = &cobra.Command{
	Use:   "create <drive-id>",
	Short: "Create a backup on a trusted drive",
	Long:  "Snapshot key records, encrypt them under the backup password and write the artifact to a trusted drive.",
	Args:  cobra.ExactArgs(1),
	RunE:  createBackup,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup index entries",
	RunE:  listBackups,
}

var inspectBackupCmd = &cobra.Command{
	Use:   "inspect <drive-id> <backup-id>",
	Short: "Inspect a backup artifact on media",
	Long:  "Read a backup artifact's envelope from media and check its payload checksum. No password is required.",
	Args:  cobra.ExactArgs(2),
	RunE:  inspectBackup,
}

var verifyBackupCmd = &cobra.Command{
	Use:   "verify <drive-id> <backup-id>",
	Short: "Verify a backup artifact is restorable",
	Long:  "Decrypt a backup artifact end to end to prove it can be restored. Nothing is imported.",
	Args:  cobra.ExactArgs(2),
	RunE:  verifyBackup,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <drive-id> <backup-id>",
	Short: "Restore records from a backup artifact",
	Long:  "Import key records from a backup artifact. Records whose IDs already exist in custody are skipped, never overwritten.",
	Args:  cobra.ExactArgs(2),
	RunE:  restoreBackup,
}

var deleteBackupCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup and its artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteBackup,
}

var (
	backupPassword string
	backupVaultID  string
	backupType     string
	backupKeyIDs   []string
	backupCompress bool
	backupVerify   bool
	backupDriveID  string
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(createBackupCmd)
	backupCmd.AddCommand(listBackupsCmd)
	backupCmd.AddCommand(inspectBackupCmd)
	backupCmd.AddCommand(verifyBackupCmd)
	backupCmd.AddCommand(restoreBackupCmd)
	backupCmd.AddCommand(deleteBackupCmd)

	createBackupCmd.Flags().StringVar(&backupPassword, "password", "", "backup password (or use CUSTODY_BACKUP_PASSWORD env var)")
	createBackupCmd.Flags().StringVar(&backupVaultID, "vault-id", "", "limit the backup to one vault")
	createBackupCmd.Flags().StringVar(&backupType, "type", "full", "backup type (full, incremental, selective)")
	createBackupCmd.Flags().StringSliceVar(&backupKeyIDs, "key-id", nil, "record IDs for a selective backup")
	createBackupCmd.Flags().BoolVar(&backupCompress, "compress", false, "compress the payload before encryption")
	createBackupCmd.Flags().BoolVar(&backupVerify, "verify", false, "verify the artifact by a decrypt round-trip before writing")

	listBackupsCmd.Flags().StringVar(&backupDriveID, "drive-id", "", "filter by drive")
	listBackupsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	verifyBackupCmd.Flags().StringVar(&backupPassword, "password", "", "backup password (or use CUSTODY_BACKUP_PASSWORD env var)")
	restoreBackupCmd.Flags().StringVar(&backupPassword, "password", "", "backup password (or use CUSTODY_BACKUP_PASSWORD env var)")
}

func resolveBackupPassword() (string, error) {
	if backupPassword != "" {
		return backupPassword, nil
	}
	if env := os.Getenv("CUSTODY_BACKUP_PASSWORD"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("backup password is required. Use --password flag or CUSTODY_BACKUP_PASSWORD environment variable")
}

func createBackup(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	password, err := resolveBackupPassword()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Creating %s backup on drive %s\n", backupType, args[0])

	metadata, err := vaultSvc.CreateBackup(cmd.Context(), custody.BackupRequest{
		DriveID:  args[0],
		VaultID:  backupVaultID,
		KeyIDs:   backupKeyIDs,
		Type:     custody.BackupType(backupType),
		Password: password,
		Compress: backupCompress,
		Verify:   backupVerify,
	})
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup: %w", err), started)
	}

	fmt.Println("Backup created successfully")
	fmt.Printf("  Backup ID: %s\n", metadata.BackupID)
	fmt.Printf("  Records:   %d\n", metadata.KeyCount)
	fmt.Printf("  Size:      %s\n", formatBytes(metadata.SizeBytes))
	fmt.Printf("  Checksum:  %s\n", metadata.Checksum)
	fmt.Printf("  Artifact:  %s\n", metadata.ArtifactPath)
	if metadata.Verified {
		fmt.Println("  Verified:  yes")
	}

	return auditCmdComplete(cmd, nil, started)
}

func listBackups(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	backups, err := vaultSvc.ListBackups(backupDriveID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list backups: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(backups), started)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BACKUP ID\tDRIVE\tTYPE\tRECORDS\tSIZE\tCREATED")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			b.BackupID, b.DriveID, b.Type, b.KeyCount,
			formatBytes(b.SizeBytes), b.CreatedAt.Format(time.RFC3339))
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func inspectBackup(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	info, err := vaultSvc.InspectBackup(cmd.Context(), args[0], args[1])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to inspect backup: %w", err), started)
	}

	fmt.Printf("Backup:     %s\n", info.BackupID)
	fmt.Printf("Drive:      %s\n", info.DriveID)
	fmt.Printf("Created:    %s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Encryption: %s\n", info.EncryptionMethod)
	fmt.Printf("Size:       %s\n", formatBytes(info.SizeBytes))
	fmt.Printf("Checksum:   %s\n", info.Checksum)
	if info.ChecksumValid {
		fmt.Println("Integrity:  OK")
	} else {
		fmt.Println("Integrity:  CHECKSUM MISMATCH")
	}

	return auditCmdComplete(cmd, nil, started)
}

func verifyBackup(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	password, err := resolveBackupPassword()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err := vaultSvc.VerifyBackup(cmd.Context(), args[0], args[1], password); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("backup verification failed: %w", err), started)
	}

	fmt.Println("Backup verified successfully")
	return auditCmdComplete(cmd, nil, started)
}

func restoreBackup(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	password, err := resolveBackupPassword()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Restoring from backup %s on drive %s\n", args[1], args[0])

	report, err := vaultSvc.RestoreBackup(cmd.Context(), args[0], args[1], password)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore backup: %w", err), started)
	}

	fmt.Println("Restore complete")
	fmt.Printf("  Restored: %d\n", len(report.Restored))
	fmt.Printf("  Skipped:  %d (already present)\n", len(report.Skipped))
	if len(report.Failed) > 0 {
		fmt.Printf("  Failed:   %d\n", len(report.Failed))
		for _, id := range report.Failed {
			fmt.Printf("    %s\n", id)
		}
	}

	return auditCmdComplete(cmd, nil, started)
}

func deleteBackup(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	backupID := args[0]

	fmt.Printf("Deleting backup %s and its artifact from media.\n", backupID)
	fmt.Print("Continue? (y/N): ")

	var response string
	_, _ = fmt.Scanln(&response)

	if response != "y" && response != "Y" {
		fmt.Println("Delete cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := vaultSvc.DeleteBackup(cmd.Context(), backupID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete backup: %w", err), started)
	}

	fmt.Printf("Backup %s deleted.\n", backupID)
	return auditCmdComplete(cmd, nil, started)
}
