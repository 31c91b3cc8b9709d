package main

import (
	"context"
	"os"
	"strings"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel"
	"github.com/film69/fastmodel/util/fileutil"
	"github.com/film69/fastmodel/utils/checks"
)

// download the tokenizers used by the token counting tests.

var models = []string{
	"unsloth/Llama-3.2-1B-Instruct",
	"unsloth/Qwen2-VL-2B-Instruct",
}

func main() {
	ctx := context.Background()
	checks.CheckWithMessage(fileutil.CreateDir(ctx, "./models"), "creating models directory")
	for _, model := range models {
		exists, err := fileutil.FileExists(ctx, "./models/"+strings.ReplaceAll(model, "/", "_"))
		checks.CheckWithMessage(err, "checking model directory")
		if exists {
			continue
		}
		options := fastmodel.NewDownloadOptions()
		options.SkipWeights = true
		options.AuthToken = os.Getenv("HF_TOKEN")
		log.Info().Str("model", model).Msg("downloading")
		outPath, err := fastmodel.DownloadModel(ctx, model, "./models", options)
		checks.CheckWithMessage(err, "downloading "+model)
		log.Info().Str("model", model).Str("path", outPath).Msg("downloaded")
	}
}
