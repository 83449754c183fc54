package cmd

import (
	"fmt"

	"github.com/cozy-creator/caption-server/internal/config"
	"github.com/cozy-creator/caption-server/internal/model"
	"github.com/cozy-creator/caption-server/internal/services/modelrepo"
	"github.com/cozy-creator/caption-server/internal/tokenizer"
	"github.com/cozy-creator/caption-server/internal/types"
	"github.com/cozy-creator/caption-server/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Cmd prefetches the model this binary was built to serve. The model is a
// build-time choice, so there are no flags selecting another one.
var Cmd = &cobra.Command{
	Use:   "download",
	Short: "Download the caption model into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, err := model.ParseVariant(config.Variant)
		if err != nil {
			return err
		}

		cfg, err := config.Unmarshal()
		if err != nil {
			return err
		}

		log, err := logger.NewLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		ref := types.ModelRef{ID: config.ModelID, Revision: config.Revision}
		repo := modelrepo.New(cfg.CacheDir, cfg.HFToken, log)

		files, err := repo.Fetch(cmd.Context(), ref, variant)
		if err != nil {
			return err
		}

		vocab, err := tokenizer.Load(files.Tokenizer)
		if err != nil {
			return err
		}

		log.Info("download complete",
			zap.String("model", ref.String()),
			zap.String("variant", variant.String()),
			zap.String("cache_dir", repo.CacheDir()),
			zap.String("vision", files.Vision),
			zap.String("decoder", files.Decoder),
			zap.Int("sample_tokens", len(vocab.Encode("a picture of"))),
		)
		fmt.Println("Download complete: ", files.Dir)
		return nil
	},
}
