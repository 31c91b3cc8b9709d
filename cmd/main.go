package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/film69/fastmodel"
	"github.com/film69/fastmodel/options"
	"github.com/film69/fastmodel/util/fileutil"
	"github.com/film69/fastmodel/utils/checks"
)

var workerCommand string
var logLevel string
var llamaCppDir string
var modelsDir string

var modelName string
var loadIn4Bit bool
var loadIn8Bit bool
var vision bool

var chatTemplate string
var noImageHistory bool
var noHistory bool
var noStream bool
var maxNewTokens int

var datasetPath string
var trainingConfigPath string
var saveDir string
var saveMethod string
var maxSteps int
var epochs float64

var exportName string
var maxSizeGGUF string
var buildGPU bool
var saveOriginalModel bool
var saveOriginalGGUF bool
var publishURL string

var convertDir string
var convertOutput string
var installRequirements bool

var downloadDestination string
var skipWeights bool

var modelFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "model",
		Usage:       "Model name on the hub, a local path, or the name of a model in the models folder",
		Aliases:     []string{"m"},
		Destination: &modelName,
		Required:    true,
	},
	&cli.BoolFlag{
		Name:        "4bit",
		Usage:       "Load the model in 4 bit",
		Destination: &loadIn4Bit,
	},
	&cli.BoolFlag{
		Name:        "8bit",
		Usage:       "Load the model in 8 bit",
		Destination: &loadIn8Bit,
	},
	&cli.BoolFlag{
		Name:        "vision",
		Usage:       "Load the model as a vision-language model",
		Destination: &vision,
	},
}

var chatCommand = &cli.Command{
	Name:  "chat",
	Usage: "Chat with a model",
	Description: `Chat reads one message per line. Answers are streamed as they are generated unless --no-stream is set.
				/image <path> <text> attaches an image to the message, /reset clears the conversation, /exit quits.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "template",
			Usage:       "Render prompts with a built-in chat template (gemma, llama3, qwen, phi) instead of the model's processor",
			Aliases:     []string{"t"},
			Destination: &chatTemplate,
		},
		&cli.BoolFlag{
			Name:        "no-image-history",
			Usage:       "Do not send images of earlier turns again",
			Destination: &noImageHistory,
		},
		&cli.BoolFlag{
			Name:        "no-history",
			Usage:       "Answer every message on its own",
			Destination: &noHistory,
		},
		&cli.BoolFlag{
			Name:        "no-stream",
			Usage:       "Print answers once they are complete",
			Destination: &noStream,
		},
		&cli.IntFlag{
			Name:        "max-new-tokens",
			Usage:       "Maximum length of an answer",
			Destination: &maxNewTokens,
			Value:       512,
		},
	}, modelFlags...),
	Action: func(ctx *cli.Context) (err error) {
		opts := sessionOptions()
		if chatTemplate != "" {
			opts = append(opts, options.WithChatTemplate(chatTemplate))
		}
		if noImageHistory {
			opts = append(opts, options.WithImageHistory(false))
		}
		session, err := loadSession(ctx.Context, opts...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
		repl := &chatLoop{
			session:     session,
			in:          bufio.NewReader(os.Stdin),
			out:         color.Output,
			interactive: interactive,
			stream:      !noStream,
			history:     !noHistory,
			maxTokens:   maxNewTokens,
		}
		err = repl.run(ctx.Context)
		return err
	},
}

var trainingLengthFlags = []cli.Flag{
	&cli.IntFlag{
		Name:        "max-steps",
		Usage:       "Number of optimizer steps, overrides the configured epochs",
		Destination: &maxSteps,
	},
	&cli.Float64Flag{
		Name:        "epochs",
		Usage:       "Number of passes over the dataset, overrides the configured max steps",
		Destination: &epochs,
	},
}

var trainCommand = &cli.Command{
	Name:  "train",
	Usage: "Fine-tune a model on a conversation dataset",
	Description: `Train expects a .jsonl file where each line is {"messages":[{"role":"user","content":...},{"role":"assistant","content":...}]}.
				The training configuration is read from a YAML or JSON file; unknown keys are rejected.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "dataset",
			Usage:       "Path to the .jsonl dataset",
			Aliases:     []string{"d"},
			Destination: &datasetPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to a YAML or JSON training configuration",
			Aliases:     []string{"c"},
			Destination: &trainingConfigPath,
		},
		&cli.StringFlag{
			Name:        "save",
			Usage:       "Folder where to save the trained model",
			Aliases:     []string{"o"},
			Destination: &saveDir,
		},
		&cli.StringFlag{
			Name:        "save-method",
			Usage:       "lora, merged_16bit, merged_4bit or 16bit",
			Destination: &saveMethod,
			Value:       string(fastmodel.SaveLora),
		},
	}, append(trainingLengthFlags, modelFlags...)...),
	Action: func(ctx *cli.Context) (err error) {
		session, err := loadSession(ctx.Context, sessionOptions()...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()
		if err = session.LoadDataset(ctx.Context, datasetPath); err != nil {
			return err
		}
		trainer, err := session.Trainer(ctx.Context, trainingOptions(ctx)...)
		if err != nil {
			return err
		}
		if _, err = session.StartTrain(ctx.Context); err != nil {
			return err
		}
		if err = trainer.Save(ctx.Context, trainer.Config().SFT.OutputDir); err != nil {
			return err
		}
		if saveDir != "" {
			err = session.SaveModel(ctx.Context, saveDir, fastmodel.SaveMethod(saveMethod))
		}
		return err
	},
}

// trainingOptions applies the config file first so the length flags override it.
func trainingOptions(ctx *cli.Context) []fastmodel.TrainingOption {
	var opts []fastmodel.TrainingOption
	if trainingConfigPath != "" {
		opts = append(opts, fastmodel.WithTrainingConfigFile(trainingConfigPath))
	}
	if ctx.IsSet("epochs") {
		opts = append(opts, fastmodel.WithEpochs(epochs))
	}
	if ctx.IsSet("max-steps") {
		opts = append(opts, fastmodel.WithMaxSteps(maxSteps))
	}
	return opts
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "Export a model as quantized GGUF files, split to a maximum size",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "name",
			Usage:       "Output folder and file name of the export",
			Aliases:     []string{"n"},
			Destination: &exportName,
			Value:       "model",
		},
		&cli.StringSliceFlag{
			Name:    "quantization",
			Usage:   "Quantization methods",
			Aliases: []string{"q"},
			Value:   cli.NewStringSlice(fastmodel.DefaultExportConfig().QuantizationMethods...),
		},
		&cli.StringFlag{
			Name:        "max-size",
			Usage:       "Split files larger than this, e.g. 49G or 512M",
			Destination: &maxSizeGGUF,
			Value:       fastmodel.DefaultExportConfig().MaxSizeGGUF,
		},
		&cli.BoolFlag{
			Name:        "build-gpu",
			Usage:       "Build llama.cpp with CUDA",
			Destination: &buildGPU,
		},
		&cli.BoolFlag{
			Name:        "keep-model",
			Usage:       "Keep the files the export leaves next to the GGUF folder",
			Destination: &saveOriginalModel,
		},
		&cli.BoolFlag{
			Name:        "keep-gguf",
			Usage:       "Keep GGUF files after splitting them",
			Destination: &saveOriginalGGUF,
		},
		&cli.StringFlag{
			Name:        "publish",
			Usage:       "Copy the GGUF folder to this location, e.g. s3://bucket/models/name",
			Destination: &publishURL,
		},
	}, modelFlags...),
	Action: func(ctx *cli.Context) (err error) {
		session, err := loadSession(ctx.Context, sessionOptions()...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()
		cfg := fastmodel.ExportConfig{
			ModelName:           exportName,
			QuantizationMethods: ctx.StringSlice("quantization"),
			SaveOriginalModel:   saveOriginalModel,
			MaxSizeGGUF:         maxSizeGGUF,
			BuildGPU:            buildGPU,
			SaveOriginalGGUF:    saveOriginalGGUF,
			PublishURL:          publishURL,
		}
		result, err := session.ExportGGUF(ctx.Context, cfg)
		if err != nil {
			return err
		}
		for _, artifact := range result.Artifacts {
			fmt.Println(artifact)
		}
		return nil
	},
}

var convertCommand = &cli.Command{
	Name:  "convert",
	Usage: "Convert a saved model folder to GGUF with the llama.cpp conversion script",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "dir",
			Usage:       "Saved model folder",
			Aliases:     []string{"d"},
			Destination: &convertDir,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Output file prefix, defaults to the model folder",
			Aliases:     []string{"o"},
			Destination: &convertOutput,
		},
		&cli.StringSliceFlag{
			Name:    "quantization",
			Usage:   "Output types",
			Aliases: []string{"q"},
			Value:   cli.NewStringSlice(fastmodel.DefaultConvertConfig().QuantizationMethods...),
		},
		&cli.BoolFlag{
			Name:        "install-requirements",
			Usage:       "pip install the requirements of the conversion script first",
			Destination: &installRequirements,
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg := fastmodel.DefaultConvertConfig()
		cfg.ModelDir = convertDir
		cfg.OutputName = convertOutput
		cfg.QuantizationMethods = ctx.StringSlice("quantization")
		cfg.InstallRequirements = installRequirements
		cfg.LlamaCppDir = llamaCppDir
		written, err := fastmodel.ConvertToGGUF(ctx.Context, cfg)
		for _, file := range written {
			fmt.Println(file)
		}
		return err
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a model snapshot from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name on the hub",
			Aliases:     []string{"m"},
			Destination: &modelName,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "destination",
			Usage:       "Folder where to store the model. Falls back to the models folder",
			Aliases:     []string{"d"},
			Destination: &downloadDestination,
		},
		&cli.BoolFlag{
			Name:        "skip-weights",
			Usage:       "Only download configuration, tokenizer and processor files",
			Destination: &skipWeights,
		},
	},
	Action: func(ctx *cli.Context) error {
		destination := downloadDestination
		if destination == "" {
			var err error
			if destination, err = defaultModelsDir(); err != nil {
				return err
			}
		}
		if err := fileutil.CreateDir(ctx.Context, destination); err != nil {
			return err
		}
		downloadOptions := fastmodel.NewDownloadOptions()
		downloadOptions.AuthToken = os.Getenv("HF_TOKEN")
		downloadOptions.SkipWeights = skipWeights
		downloadOptions.Verbose = isatty.IsTerminal(os.Stderr.Fd())
		path, err := fastmodel.DownloadModel(ctx.Context, modelName, destination, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func sessionOptions() []options.WithOption {
	opts := []options.WithOption{options.WithLogLevel(logLevel), options.WithLlamaCppDir(llamaCppDir)}
	if command := strings.Fields(workerCommand); len(command) > 0 {
		opts = append(opts, options.WithWorkerCommand(command...))
	}
	return opts
}

func defaultModelsDir() (string, error) {
	if modelsDir != "" {
		return modelsDir, nil
	}
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return fileutil.PathJoinSafe(userDir, "fastmodel", "models"), nil
}

// resolveModel looks for the model as a path first, then as a model downloaded to the models
// folder. Anything else is passed on as a hub name.
func resolveModel(ctx context.Context, name string) (string, error) {
	exists, err := fileutil.FileExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return name, nil
	}
	dir, err := defaultModelsDir()
	if err != nil {
		return "", err
	}
	downloaded := fileutil.PathJoinSafe(dir, strings.ReplaceAll(name, "/", "_"))
	if exists, err = fileutil.FileExists(ctx, downloaded); err != nil {
		return "", err
	}
	if exists {
		return downloaded, nil
	}
	return name, nil
}

func loadSession(ctx context.Context, opts ...options.WithOption) (*fastmodel.Session, error) {
	resolved, err := resolveModel(ctx, modelName)
	if err != nil {
		return nil, err
	}
	session, err := fastmodel.NewSession(opts...)
	if err != nil {
		return nil, err
	}
	var loadOptions []fastmodel.LoadOption
	if loadIn4Bit {
		loadOptions = append(loadOptions, fastmodel.WithLoadIn4Bit())
	}
	if loadIn8Bit {
		loadOptions = append(loadOptions, fastmodel.WithLoadIn8Bit())
	}
	if vision {
		loadOptions = append(loadOptions, fastmodel.WithVision())
	}
	if err = session.LoadModel(ctx, resolved, loadOptions...); err != nil {
		return nil, errors.Join(err, session.Destroy())
	}
	return session, nil
}

func setupLogging(level string) error {
	parsed := options.Defaults()
	if err := options.WithLogLevel(level)(parsed); err != nil {
		return err
	}
	logger := log.Logger{Level: parsed.LogLevel}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.Writer = &log.ConsoleWriter{ColorOutput: true, EndWithMessage: true, Writer: os.Stderr}
	} else {
		logger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
	log.DefaultLogger = logger
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fastmodel",
		Usage: "Fine-tune, export and chat with language and vision-language models",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "worker",
				Usage:       "Command that starts the framework worker. Defaults to $FASTMODEL_WORKER, then the bundled Python worker",
				EnvVars:     []string{"FASTMODEL_WORKER"},
				Destination: &workerCommand,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "trace, debug, info, warn or error",
				Destination: &logLevel,
				Value:       "info",
			},
			&cli.StringFlag{
				Name:        "llama-cpp",
				Usage:       "Where llama.cpp is checked out and built",
				Destination: &llamaCppDir,
				Value:       "llama.cpp",
			},
			&cli.StringFlag{
				Name:        "modelFolder",
				Usage:       "Folder where models are downloaded. Falls back to $HOME/fastmodel/models if not specified",
				Aliases:     []string{"f"},
				Destination: &modelsDir,
			},
		},
		Before: func(ctx *cli.Context) error {
			return setupLogging(logLevel)
		},
		Commands: []*cli.Command{chatCommand, trainCommand, exportCommand, convertCommand, downloadCommand},
	}
}

func main() {
	checks.Check(newApp().Run(os.Args))
}

// chatLoop reads messages line by line and prints the answers.
type chatLoop struct {
	session     *fastmodel.Session
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	stream      bool
	history     bool
	maxTokens   int
}

var (
	promptColor    = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan)
	errorColor     = color.New(color.FgRed)
)

func (c *chatLoop) run(ctx context.Context) error {
	for {
		if c.interactive {
			_, _ = promptColor.Fprint(c.out, ">>> ")
		}
		line, err := fileutil.ReadLine(c.in)
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		text := strings.TrimSpace(string(line))
		switch {
		case text == "":
			continue
		case text == "/exit" || text == "/quit":
			return nil
		case text == "/reset":
			if resetErr := c.session.ResetHistory(); resetErr != nil {
				return resetErr
			}
			_, _ = fmt.Fprintln(c.out, "conversation cleared")
			continue
		}

		generateOptions := []fastmodel.GenerateOption{fastmodel.WithMaxNewTokens(c.maxTokens)}
		if !c.history {
			generateOptions = append(generateOptions, fastmodel.WithoutHistory())
		}
		if rest, ok := strings.CutPrefix(text, "/image "); ok {
			imagePath, message, _ := strings.Cut(strings.TrimSpace(rest), " ")
			generateOptions = append(generateOptions, fastmodel.WithImagePath(imagePath))
			text = message
		}
		if answerErr := c.answer(ctx, text, generateOptions); answerErr != nil {
			_, _ = errorColor.Fprintln(c.out, answerErr.Error())
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func (c *chatLoop) answer(ctx context.Context, text string, opts []fastmodel.GenerateOption) error {
	if !c.stream {
		response, err := c.session.Generate(ctx, text, opts...)
		if err != nil {
			return err
		}
		_, _ = assistantColor.Fprintln(c.out, response.Text)
		return nil
	}
	stream, err := c.session.GenerateStream(ctx, text, opts...)
	if err != nil {
		return err
	}
	var streamErr error
	for fragment := range stream.C {
		if fragment.Err != nil {
			streamErr = fragment.Err
			continue
		}
		_, _ = assistantColor.Fprint(c.out, fragment.Text)
	}
	_, _ = fmt.Fprintln(c.out)
	return streamErr
}
