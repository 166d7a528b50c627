package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	custody "github.com/akarales/zap-custody"
)

var drivesCmd = &cobra.Command{
	Use:   "drive",
	Short: "Manage the removable drive trust registry",
	Long: `Manage the trust registry for removable backup drives. Drives must be
detected, registered and explicitly trusted before backups can be written
to them.`,
}

var driveDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect drives under the media root",
	Long:  `Scan the media root for mounted drives and show each drive's identity and current trust standing.`,
	RunE:  runDriveDetect,
}

var driveRegisterCmd = &cobra.Command{
	Use:   "register <device-path>",
	Short: "Register a detected drive",
	Long:  `Register a detected drive in the trust registry. Newly registered drives start untrusted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDriveRegister,
}

var driveTrustCmd = &cobra.Command{
	Use:   "trust <drive-id>",
	Short: "Mark a drive as trusted",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runDriveSetTrust(cmd, args, custody.TrustTrusted) },
}

var driveUntrustCmd = &cobra.Command{
	Use:   "untrust <drive-id>",
	Short: "Mark a drive as untrusted",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runDriveSetTrust(cmd, args, custody.TrustUntrusted) },
}

var driveBlockCmd = &cobra.Command{
	Use:   "block <drive-id>",
	Short: "Block a drive",
	Long:  `Block a drive. Blocked drives are rejected as backup targets until explicitly re-trusted; existing backup history is preserved.`,
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runDriveSetTrust(cmd, args, custody.TrustBlocked) },
}

var driveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered drives",
	RunE:  runDriveList,
}

var driveRemoveCmd = &cobra.Command{
	Use:   "remove <drive-id>",
	Short: "Remove a drive from the registry",
	Long:  `Remove a drive from the trust registry and wipe any saved drive password. Backup history referencing the drive is kept.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDriveRemove,
}

var driveEjectCmd = &cobra.Command{
	Use:   "eject <drive-id>",
	Short: "Flush and eject a drive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDriveEject,
}

var drivePasswordCmd = &cobra.Command{
	Use:   "password <drive-id>",
	Short: "Save an encryption password for a drive",
	Long:  `Save a backup password for a drive, encrypted under the custody derivation key, so later backups to the drive can reuse it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDrivePassword,
}

var (
	drivePasswordValue string
	drivePasswordHint  string
)

func init() {
	rootCmd.AddCommand(drivesCmd)

	drivesCmd.AddCommand(driveDetectCmd)
	drivesCmd.AddCommand(driveRegisterCmd)
	drivesCmd.AddCommand(driveTrustCmd)
	drivesCmd.AddCommand(driveUntrustCmd)
	drivesCmd.AddCommand(driveBlockCmd)
	drivesCmd.AddCommand(driveListCmd)
	drivesCmd.AddCommand(driveRemoveCmd)
	drivesCmd.AddCommand(driveEjectCmd)
	drivesCmd.AddCommand(drivePasswordCmd)

	driveListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	drivePasswordCmd.Flags().StringVar(&drivePasswordValue, "password", "", "password to save")
	drivePasswordCmd.Flags().StringVar(&drivePasswordHint, "hint", "", "password hint stored in plaintext")
}

func runDriveDetect(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	statuses, err := vaultSvc.DetectDrives()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to detect drives: %w", err), started)
	}

	if len(statuses) == 0 {
		fmt.Println("No drives detected under the media root.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DRIVE ID\tDEVICE\tLABEL\tCAPACITY\tTRUST\tREGISTERED")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			s.DriveID, s.Info.DevicePath, s.Info.Label,
			formatBytes(int64(s.Info.CapacityBytes)), s.TrustLevel, s.Registered)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runDriveRegister(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	devicePath := args[0]

	statuses, err := vaultSvc.DetectDrives()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to detect drives: %w", err), started)
	}

	for _, s := range statuses {
		if s.Info.DevicePath != devicePath {
			continue
		}
		drive, err := vaultSvc.RegisterDrive(s.Info)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to register drive: %w", err), started)
		}
		fmt.Printf("Registered drive %s (%s) with trust level %s.\n", drive.DriveID, drive.Label, drive.TrustLevel)
		return auditCmdComplete(cmd, nil, started)
	}

	err = fmt.Errorf("no detected drive matches device path %s", devicePath)
	return auditCmdComplete(cmd, err, started)
}

func runDriveSetTrust(cmd *cobra.Command, args []string, level custody.TrustLevel) (err error) {
	started := auditCmdStart(cmd, args)
	driveID := args[0]

	if err := vaultSvc.SetDriveTrust(driveID, level); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Drive %s is now %s.\n", driveID, level)
	return auditCmdComplete(cmd, nil, started)
}

func runDriveList(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	drives, err := vaultSvc.ListDrives()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list drives: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(drives), started)
	}

	if len(drives) == 0 {
		fmt.Println("No drives registered.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DRIVE ID\tDEVICE\tLABEL\tTRUST\tFIRST TRUSTED\tPASSWORD")
	for _, d := range drives {
		firstTrusted := "-"
		if d.FirstTrustedAt != nil {
			firstTrusted = d.FirstTrustedAt.Format(time.RFC3339)
		}
		saved := "-"
		if len(d.EncryptedPassword) > 0 {
			saved = "saved"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.DriveID, d.DevicePath, d.Label, d.TrustLevel, firstTrusted, saved)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runDriveRemove(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	if err := vaultSvc.RemoveDrive(args[0]); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Drive %s removed from the registry.\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runDriveEject(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	if err := vaultSvc.EjectDrive(args[0]); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Drive %s ejected.\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runDrivePassword(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	if drivePasswordValue == "" {
		return auditCmdComplete(cmd, fmt.Errorf("--password is required"), started)
	}

	if err := vaultSvc.SaveDrivePassword(args[0], drivePasswordValue, drivePasswordHint); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Password saved for drive %s.\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
