package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/carriersift/carriersift/internal/cli/output"
	"github.com/carriersift/carriersift/pkg/engine"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Inspect and manage uploaded files",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files that are runnable or resumable",
	RunE:  runFilesList,
}

var filesShowCmd = &cobra.Command{
	Use:   "show <file-id>",
	Short: "Show progress and verdict distribution for a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesShow,
}

var (
	resultsOutputPath string

	filesResultsCmd = &cobra.Command{
		Use:   "results <file-id>",
		Short: "Export the final CSV for a completed file",
		Args:  cobra.ExactArgs(1),
		RunE:  runFilesResults,
	}
)

var filesCancelCmd = &cobra.Command{
	Use:   "cancel <file-id>",
	Short: "Cancel processing for a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesCancel,
}

var filesResumeCmd = &cobra.Command{
	Use:   "resume <file-id>",
	Short: "Return a failed or stalled file to the worker's rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesResume,
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <file-id>",
	Short: "Delete a file, its chunks and its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesDelete,
}

func init() {
	filesResultsCmd.Flags().StringVarP(&resultsOutputPath, "output", "o", "", "Write CSV to a file instead of stdout")

	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesShowCmd)
	filesCmd.AddCommand(filesResultsCmd)
	filesCmd.AddCommand(filesCancelCmd)
	filesCmd.AddCommand(filesResumeCmd)
	filesCmd.AddCommand(filesDeleteCmd)
}

// newCLIService opens the store and builds an engine service without an
// upstream classifier. Commands that only touch the database use this.
func newCLIService() (*engine.Service, func(), error) {
	cfg, st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	service := engine.NewService(st, nil, cfg.Engine)
	cleanup := func() { _ = st.Close() }
	return service, cleanup, nil
}

func runFilesList(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	files, err := service.ActiveFiles(context.Background())
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No active files.")
		return nil
	}

	table := output.NewTable("ID", "Name", "Service", "Status", "Progress", "Offset", "Total")
	for _, f := range files {
		table.AddRow(
			f.ID,
			f.FileName,
			string(f.Service),
			string(f.ProcessingStatus),
			fmt.Sprintf("%.2f%%", f.ProcessingProgress),
			strconv.Itoa(f.ProcessingOffset),
			strconv.Itoa(f.ProcessingTotal),
		)
	}
	table.Render(os.Stdout)
	return nil
}

func runFilesShow(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	progress, err := service.FileProgress(ctx, args[0])
	if err != nil {
		return err
	}

	pairs := [][2]string{
		{"File", progress.FileID},
		{"Name", progress.FileName},
		{"Status", string(progress.Status)},
		{"Progress", fmt.Sprintf("%.2f%%", progress.Progress)},
		{"Processed", fmt.Sprintf("%d / %d", progress.Offset, progress.Total)},
	}
	if progress.LastError != nil {
		pairs = append(pairs, [2]string{"Last error", *progress.LastError})
	}
	output.KeyValue(os.Stdout, pairs)

	report, err := service.QualityReport(ctx, args[0])
	if err != nil {
		return err
	}
	if report.Total > 0 {
		fmt.Println()
		table := output.NewTable("Verdict", "Count", "Share")
		for contactType, count := range report.Counts {
			table.AddRow(
				string(contactType),
				strconv.FormatInt(count, 10),
				fmt.Sprintf("%.1f%%", report.Percents[contactType]),
			)
		}
		table.Render(os.Stdout)

		for _, warning := range report.Warnings {
			fmt.Printf("warning: %s\n", warning)
		}
	}
	return nil
}

func runFilesResults(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	out := os.Stdout
	if resultsOutputPath != "" {
		f, err := os.Create(resultsOutputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := service.WriteResultsCSV(context.Background(), args[0], out); err != nil {
		return err
	}
	if resultsOutputPath != "" {
		fmt.Printf("Results written to %s\n", resultsOutputPath)
	}
	return nil
}

func runFilesCancel(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := service.Cancel(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("File %s cancelled.\n", args[0])
	return nil
}

func runFilesResume(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := service.Resume(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("File %s resumed; it will be picked up by the next worker invocation.\n", args[0])
	return nil
}

func runFilesDelete(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := service.Store().DeleteFile(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("File %s deleted.\n", args[0])
	return nil
}
