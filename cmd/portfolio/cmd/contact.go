package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/otamoon/portfolio/contact"
	bboltstorage "github.com/otamoon/portfolio/storage/bbolt"
)

var contactCmd = &cobra.Command{
	Use:   "contact",
	Short: "Inspect archived contact form submissions",
	Long: `Commands for reading the sealed contact archive kept under the data directory.
The archive key is derived from SESSION_SECRET, so the same secret the server
ran with is required.`,
}

var (
	contactJSONOutput bool
	contactStatus     string
	contactDataDir    string
)

// archiveSummary is the result of listing the archive.
type archiveSummary struct {
	Total      int               `json:"total"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Unreadable []string          `json:"unreadable,omitempty"`
	Records    []*contact.Record `json:"records"`
}

// summarizeArchive loads every record, keeping those whose status matches
// status (all when empty). Records that cannot be opened are reported by ID.
func summarizeArchive(a *contact.Archive, status string) (archiveSummary, error) {
	sum := archiveSummary{Records: []*contact.Record{}}
	ids, err := a.List()
	if err != nil {
		return sum, fmt.Errorf("listing archive: %w", err)
	}
	for _, id := range ids {
		rec, err := a.Load(id)
		if err != nil {
			sum.Unreadable = append(sum.Unreadable, id)
			continue
		}
		sum.Total++
		switch rec.Status {
		case contact.StatusSent:
			sum.Sent++
		case contact.StatusFailed:
			sum.Failed++
		}
		if status == "" || rec.Status == status {
			sum.Records = append(sum.Records, rec)
		}
	}
	return sum, nil
}

func printHumanSummary(w io.Writer, sum archiveSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tLOCALE\tNAME\tEMAIL")
	for _, rec := range sum.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.CreatedAt.Format(time.RFC3339), rec.Status, rec.Locale, rec.Form.Name, rec.Form.Email)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%d record(s): %d sent, %d failed\n", sum.Total, sum.Sent, sum.Failed)
	if len(sum.Unreadable) > 0 {
		fmt.Fprintf(w, "[WARN] %d record(s) could not be opened with this secret: %s\n",
			len(sum.Unreadable), strings.Join(sum.Unreadable, ", "))
	}
}

func printHumanRecord(w io.Writer, rec *contact.Record) {
	fmt.Fprintf(w, "ID:       %s\n", rec.ID)
	fmt.Fprintf(w, "Created:  %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Status:   %s\n", rec.Status)
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", rec.Error)
	}
	fmt.Fprintf(w, "Locale:   %s\n", rec.Locale)
	if rec.RemoteIP != "" {
		fmt.Fprintf(w, "From IP:  %s\n", rec.RemoteIP)
	}
	fmt.Fprintf(w, "Name:     %s\n", rec.Form.Name)
	fmt.Fprintf(w, "Email:    %s\n\n", rec.Form.Email)
	fmt.Fprintln(w, rec.Form.Message)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openArchive opens the archive read-only so it can be inspected while the
// server holds the write lock.
func openArchive() (*contact.Archive, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if contactDataDir != "" {
		cfg.DataDir = contactDataDir
	}
	if cfg.Session.Secret == "" {
		return nil, nil, errors.New("SESSION_SECRET is required to open the contact archive")
	}
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.ArchivePath(), &bbolt.Options{
		ReadOnly: true,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open %s: %w", cfg.ArchivePath(), err)
	}
	a, err := contact.NewArchive(repo, []byte(cfg.Session.Secret))
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	return a, func() { _ = repo.Close() }, nil
}

var contactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived submissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch contactStatus {
		case "", contact.StatusSent, contact.StatusFailed:
		default:
			return fmt.Errorf("unknown status %q (want %s or %s)", contactStatus, contact.StatusSent, contact.StatusFailed)
		}
		a, closeFn, err := openArchive()
		if err != nil {
			return err
		}
		defer closeFn()

		sum, err := summarizeArchive(a, contactStatus)
		if err != nil {
			return err
		}
		if contactJSONOutput {
			return printJSON(os.Stdout, sum)
		}
		printHumanSummary(os.Stdout, sum)
		return nil
	},
}

var contactShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print one archived submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := openArchive()
		if err != nil {
			return err
		}
		defer closeFn()

		rec, err := a.Load(args[0])
		if err != nil {
			return err
		}
		if contactJSONOutput {
			return printJSON(os.Stdout, rec)
		}
		printHumanRecord(os.Stdout, rec)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(contactCmd)
	contactCmd.AddCommand(contactListCmd, contactShowCmd)
	contactCmd.PersistentFlags().BoolVar(&contactJSONOutput, "json", false, "Output results as JSON")
	contactCmd.PersistentFlags().StringVar(&contactDataDir, "data-dir", "", "Directory holding contact.db (overrides DATA_DIR)")
	contactListCmd.Flags().StringVar(&contactStatus, "status", "", "Only show submissions with this status (sent or failed)")
}
