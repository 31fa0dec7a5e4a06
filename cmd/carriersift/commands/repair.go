package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carriersift/carriersift/pkg/blooio"
	"github.com/carriersift/carriersift/pkg/engine"
	"github.com/carriersift/carriersift/pkg/engine/cache"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reconcile a file whose queue and result log have drifted apart",
}

var repairRebuildCmd = &cobra.Command{
	Use:   "rebuild-chunks <file-id>",
	Short: "Rebuild the chunk queue from scratch for a file",
	Long: `Reconstruct the chunk queue from scratch: every phone known to the
file's chunks, minus the phones already in the result log, is requeued in
fresh pending chunks and the processed offset is reset to the durable
result count. Clears permanently-failed chunks as a side effect.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepairRebuild,
}

var repairMissingCmd = &cobra.Command{
	Use:   "create-missing-chunks <file-id>",
	Short: "Requeue phones covered by no live chunk and absent from the results",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepairMissing,
}

var repairReprocessCmd = &cobra.Command{
	Use:   "reprocess <file-id> <e164>",
	Short: "Force a fresh classification for one phone of a file",
	Long: `Delete the phone's existing result, invalidate its cached verdict,
and classify it again against the live upstream. Requires upstream
credentials in the configuration or environment.`,
	Args: cobra.ExactArgs(2),
	RunE: runRepairReprocess,
}

func init() {
	repairCmd.AddCommand(repairRebuildCmd)
	repairCmd.AddCommand(repairMissingCmd)
	repairCmd.AddCommand(repairReprocessCmd)
}

func runRepairRebuild(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := service.RebuildChunks(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Queue rebuilt for %s: %d phones already done, %d requeued in %d chunks.\n",
		report.FileID, report.AlreadyDone, report.Requeued, report.ChunksCreated)
	return nil
}

func runRepairMissing(cmd *cobra.Command, args []string) error {
	service, cleanup, err := newCLIService()
	if err != nil {
		return err
	}
	defer cleanup()

	requeued, err := service.CreateMissingChunks(context.Background(), args[0])
	if err != nil {
		return err
	}

	if requeued == 0 {
		fmt.Println("No missing phones found; queue is consistent.")
	} else {
		fmt.Printf("Requeued %d missing phones.\n", requeued)
	}
	return nil
}

func runRepairReprocess(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	verdictCache, err := cache.New(cfg.Cache, st.DB())
	if err != nil {
		return fmt.Errorf("failed to open verdict cache: %w", err)
	}
	defer verdictCache.Close()

	client, err := blooio.NewClient(cfg.Upstream)
	if err != nil {
		return err
	}
	gate := blooio.NewRateGate(cfg.Engine.RateLimitRPS)
	classifier := blooio.NewClassifier(client, verdictCache, gate)
	service := engine.NewService(st, classifier, cfg.Engine)

	result, err := service.ReprocessPhone(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Printf("Reprocessed %s: %s (imessage=%t sms=%t)\n",
		result.E164, result.ContactType, result.SupportsIMessage, result.SupportsSMS)
	return nil
}
