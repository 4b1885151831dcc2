package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	autoanchor "github.com/qilei123/obb-autoanchor"
	"github.com/qilei123/obb-autoanchor/config"
	"github.com/qilei123/obb-autoanchor/modules"
)

var rootCmd = &cobra.Command{
	Use:           "anchortool",
	Short:         "Anchor tooling for oriented-box detection datasets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Derive a kmeans-evolved anchor set from a labeled dataset",
	Long: `Reads a dataset source (a data config naming a training snapshot, or a
snapshot itself), clusters the ground-truth box edges and refines the
centroids with a genetic algorithm.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg := config.NewAnchorOptimizeParams(
			viper.GetInt("n"),
			viper.GetInt("img-size"),
			float32(viper.GetFloat64("thr")),
			viper.GetInt("gen"),
			viper.GetBool("verbose"),
		)
		anchors, err := autoanchor.KMeanAnchors(viper.GetString("data"), cfg, logger)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), modules.FormatAnchorPairs(anchors))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().String("data", "", "Path to dataset source file (required)")
	optimizeCmd.Flags().Int("n", config.DefaultAnchorOptimizeParams.NumAnchors, "Number of anchors to derive")
	optimizeCmd.Flags().Int("img-size", config.DefaultAnchorOptimizeParams.ImageSize, "Normalization target image size")
	optimizeCmd.Flags().Float64("thr", float64(config.DefaultAnchorOptimizeParams.ThresholdRatio), "Width/height fit acceptance ratio")
	optimizeCmd.Flags().Int("gen", config.DefaultAnchorOptimizeParams.Generations, "Genetic refinement generations")
	optimizeCmd.Flags().Bool("verbose", false, "Log every accepted generation")
	_ = optimizeCmd.MarkFlagRequired("data")

	viper.SetEnvPrefix("ANCHORTOOL")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(optimizeCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
