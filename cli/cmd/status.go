package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	custody "github.com/akarales/zap-custody"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show custody status",
	Long:  "Display information about custody state including memory protection level, record counts and drive trust.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Custody Status")
	fmt.Println("==============")

	// Show memory protection
	fmt.Printf("Memory Protection: %s\n", vaultSvc.MemoryProtection())

	// Show record counts
	records, err := vaultSvc.ListKeys(custody.ListOptions{IncludeTrashed: true})
	if err != nil {
		fmt.Printf("Key Records: ERROR - %v\n", err)
	} else {
		activeCount := 0
		trashedCount := 0
		for _, r := range records {
			if r.Status == custody.StatusActive {
				activeCount++
			} else {
				trashedCount++
			}
		}
		fmt.Printf("Key Records: %d (Active: %d, Trashed: %d)\n", len(records), activeCount, trashedCount)
	}

	// Show drive trust summary
	drives, err := vaultSvc.ListDrives()
	if err != nil {
		fmt.Printf("Drives: ERROR - %v\n", err)
	} else {
		trusted := 0
		blocked := 0
		for _, d := range drives {
			switch d.TrustLevel {
			case custody.TrustTrusted:
				trusted++
			case custody.TrustBlocked:
				blocked++
			}
		}
		fmt.Printf("Drives: %d registered (Trusted: %d, Blocked: %d)\n", len(drives), trusted, blocked)
	}

	// Show backup count
	backups, err := vaultSvc.ListBackups("")
	if err != nil {
		fmt.Printf("Backups: ERROR - %v\n", err)
	} else {
		fmt.Printf("Backups: %d\n", len(backups))
	}

	fmt.Printf("Custody Path: %s\n", custodyPath)
	fmt.Printf("Media Root: %s\n", mediaRoot)

	return nil
}
