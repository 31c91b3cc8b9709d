//go:build !NODOWNLOAD

package fastmodel

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/film69/fastmodel/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	// SkipWeights downloads only configuration, tokenizer and processor files.
	SkipWeights bool
	Verbose     bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

var snapshotFiles = map[string]bool{
	"config.json":                  true,
	"generation_config.json":       true,
	"tokenizer.json":               true,
	"tokenizer_config.json":        true,
	"special_tokens_map.json":      true,
	"tokenizer.model":              true,
	"preprocessor_config.json":     true,
	"processor_config.json":        true,
	"chat_template.json":           true,
	"chat_template.jinja":          true,
	"model.safetensors.index.json": true,
}

// DownloadModel downloads a model snapshot from huggingface: its configuration, tokenizer and
// processor files and, unless SkipWeights is set, its safetensors weights. It returns the local
// directory of the snapshot.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	modelPath := path.Join(destination, strings.ReplaceAll(modelP, "/", "_"))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadHfModel(repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Int("attempt", i+1).Int("max_retries", options.MaxRetries).Err(downloadErr).Str("model", modelName).Msg("download attempt failed")
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			copyErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, downloadFiles[j]))
			if copyErr != nil {
				return "", copyErr
			}
		}
		log.Info().Str("model", modelName).Str("path", modelPath).Int("files", len(downloadFiles)).Msg("download completed")
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func validateDownloadHfModel(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Int("attempt", i+1).Int("max_retries", options.MaxRetries).Err(err).Msg("listing repository failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	var toDownload []string
	hasConfig := false
	hasTokenizer := false
	numWeights := 0
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		baseFileName := filepath.Base(fileName)
		switch {
		case snapshotFiles[baseFileName]:
			toDownload = append(toDownload, fileName)
			if baseFileName == "config.json" {
				hasConfig = true
			}
			if baseFileName == "tokenizer.json" || baseFileName == "tokenizer.model" {
				hasTokenizer = true
			}
		case filepath.Ext(baseFileName) == ".safetensors":
			numWeights++
			if !options.SkipWeights {
				toDownload = append(toDownload, fileName)
			}
		}
	}

	var errs []error
	if !hasConfig {
		errs = append(errs, errors.New("model does not have a config.json file"))
	}
	if !hasTokenizer {
		errs = append(errs, errors.New("model does not have a tokenizer.json or tokenizer.model file"))
	}
	if numWeights == 0 && !options.SkipWeights {
		errs = append(errs, errors.New("model does not have .safetensors weights"))
	}
	return toDownload, errors.Join(errs...)
}
