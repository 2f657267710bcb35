// Command spex extracts spectra from a detector image. It runs single
// process by default, fans out across in-process workers with --workers, or
// joins a NATS worker group with --nats-url, --rank and --size.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/helios-data/specter/internal/natscomm"
	"github.com/helios-data/specter/internal/tracing"
	"github.com/helios-data/specter/pkg/comm"
	specerr "github.com/helios-data/specter/pkg/errors"
	"github.com/helios-data/specter/pkg/extract"
	"github.com/helios-data/specter/pkg/solver"
	"github.com/helios-data/specter/pkg/storage"
)

type options struct {
	Input  string
	PSF    string
	Output string

	SpecMin     int
	NSpec       int
	BundleSize  int
	NSubBundles int
	NWaveStep   int
	WavePad     int
	Wavelength  string

	Model      bool
	Regularize float64
	PSFErr     float64
	ClipScale  float64

	GPU            bool
	DeviceCount    int
	RanksPerBundle int

	Workers int
	Rank    int
	Size    int
	NATSURL string
	RunID   string

	OTLPEndpoint string
	Verbose      bool
}

func main() {
	rootCmd, _ := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the spex command. Every flag is bound through viper, so
// a SPECTER_* environment variable sets any option and an explicit flag
// overrides it.
func newRootCmd() (*cobra.Command, *options) {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "spex",
		Short:         "Divide-and-conquer spectral extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyConfig(opts)
			if err := requireInputs(opts); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.Input, "input", "i", "", "input image file (required)")
	flags.StringVarP(&opts.PSF, "psf", "p", "", "point-spread model file (required)")
	flags.StringVarP(&opts.Output, "output", "o", "", "output frame file (required)")
	flags.IntVar(&opts.SpecMin, "specmin", 0, "first spectrum to extract")
	flags.IntVarP(&opts.NSpec, "nspec", "n", 25, "number of spectra to extract")
	flags.IntVar(&opts.BundleSize, "bundlesize", 25, "spectra per bundle")
	flags.IntVar(&opts.NSubBundles, "nsubbundles", 1, "sub-bundle split within each bundle")
	flags.IntVar(&opts.NWaveStep, "nwavestep", 50, "wavelength tile width")
	flags.IntVar(&opts.WavePad, "wavepad", 10, "wavelength padding per tile end")
	flags.StringVarP(&opts.Wavelength, "wavelength", "w", "", "wavelength range wmin,wmax,dw (default from psf)")
	flags.BoolVar(&opts.Model, "model", false, "also compute the full-frame model image")
	flags.Float64Var(&opts.Regularize, "regularize", 0, "regularization strength")
	flags.Float64Var(&opts.PSFErr, "psferr", 0, "fractional model error override")
	flags.Float64Var(&opts.ClipScale, "clip-scale", 0, "outlier clip threshold in sigma")
	flags.BoolVar(&opts.GPU, "gpu", false, "use accelerator extraction")
	flags.IntVar(&opts.DeviceCount, "device-count", 1, "accelerator devices on this host")
	flags.IntVar(&opts.RanksPerBundle, "ranks-per-bundle", 0, "workers cooperating per bundle (0 = default)")
	flags.IntVar(&opts.Workers, "workers", 1, "in-process worker count")
	flags.IntVar(&opts.Rank, "rank", 0, "this worker's rank in a distributed group")
	flags.IntVar(&opts.Size, "size", 1, "distributed group size")
	flags.StringVar(&opts.NATSURL, "nats-url", "", "NATS server URL for distributed extraction")
	flags.StringVar(&opts.RunID, "run-id", "", "shared run ID for a distributed group")
	flags.StringVar(&opts.OTLPEndpoint, "otlp-endpoint", "", "OTLP trace collector host:port")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "development logging")

	viper.SetEnvPrefix("SPECTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return rootCmd, opts
}

// applyConfig reads every option back through viper. BindPFlags leaves an
// unchanged flag at default priority, so the merged value is: explicit flag,
// then SPECTER_* environment, then the flag default.
func applyConfig(opts *options) {
	opts.Input = viper.GetString("input")
	opts.PSF = viper.GetString("psf")
	opts.Output = viper.GetString("output")
	opts.SpecMin = viper.GetInt("specmin")
	opts.NSpec = viper.GetInt("nspec")
	opts.BundleSize = viper.GetInt("bundlesize")
	opts.NSubBundles = viper.GetInt("nsubbundles")
	opts.NWaveStep = viper.GetInt("nwavestep")
	opts.WavePad = viper.GetInt("wavepad")
	opts.Wavelength = viper.GetString("wavelength")
	opts.Model = viper.GetBool("model")
	opts.Regularize = viper.GetFloat64("regularize")
	opts.PSFErr = viper.GetFloat64("psferr")
	opts.ClipScale = viper.GetFloat64("clip-scale")
	opts.GPU = viper.GetBool("gpu")
	opts.DeviceCount = viper.GetInt("device-count")
	opts.RanksPerBundle = viper.GetInt("ranks-per-bundle")
	opts.Workers = viper.GetInt("workers")
	opts.Rank = viper.GetInt("rank")
	opts.Size = viper.GetInt("size")
	opts.NATSURL = viper.GetString("nats-url")
	opts.RunID = viper.GetString("run-id")
	opts.OTLPEndpoint = viper.GetString("otlp-endpoint")
	opts.Verbose = viper.GetBool("verbose")
}

// requireInputs validates after the env merge, so SPECTER_INPUT satisfies a
// missing --input.
func requireInputs(opts *options) error {
	required := []struct {
		flag  string
		value string
	}{
		{"input", opts.Input},
		{"psf", opts.PSF},
		{"output", opts.Output},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("--%s is required", r.flag)
		}
	}
	return nil
}

func run(ctx context.Context, opts *options) error {
	logger, err := newLogger(opts.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Warn("Failed to adjust GOMAXPROCS", zap.Error(err))
	}

	if dsn := viper.GetString("sentry_dsn"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			logger.Warn("Failed to initialize Sentry", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if opts.OTLPEndpoint != "" {
		cfg := tracing.DefaultConfig("spex")
		cfg.OTLPEndpoint = opts.OTLPEndpoint
		shutdown, err := tracing.Setup(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer tracing.Shutdown(shutdown, logger)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	logger = logger.With(zap.String("run_id", runID))

	params, err := buildParams(opts)
	if err != nil {
		return err
	}

	pix, ivar, meta, err := storage.ReadImage(opts.Input)
	if err != nil {
		return err
	}
	optics, err := storage.ReadPSF(opts.PSF)
	if err != nil {
		return err
	}
	logger.Info("Loaded inputs",
		zap.String("input", opts.Input),
		zap.String("camera", meta.Camera),
		zap.Int("exposure", meta.Exposure),
		zap.Int("nspec", params.NSpec))

	sv := newSolver(opts)

	var frame *extract.Frame
	switch {
	case opts.NATSURL != "":
		frame, err = runDistributed(ctx, opts, runID, pix, ivar, optics, params, sv, logger)
	case opts.Workers > 1:
		frame, err = runLocal(ctx, opts.Workers, pix, ivar, optics, params, sv, logger)
	default:
		frame, err = extract.ExtractFrame(ctx, pix, ivar, optics, params, nil, sv, logger)
	}
	if err != nil {
		if specerr.IsConfigFault(err) {
			sentry.CaptureException(err)
		}
		return err
	}
	if frame == nil {
		// Non-root ranks hold no frame.
		logger.Info("Worker finished", zap.Int("rank", opts.Rank))
		return nil
	}

	return writeFrame(ctx, opts, runID, frame, logger)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildParams(opts *options) (extract.FrameParams, error) {
	params := extract.FrameParams{
		SpecMin:        opts.SpecMin,
		NSpec:          opts.NSpec,
		BundleSize:     opts.BundleSize,
		NSubBundles:    opts.NSubBundles,
		NWaveStep:      opts.NWaveStep,
		WavePad:        opts.WavePad,
		PSFErr:         opts.PSFErr,
		Regularize:     opts.Regularize,
		ClipScale:      opts.ClipScale,
		WantModel:      opts.Model,
		GPU:            opts.GPU,
		RanksPerBundle: opts.RanksPerBundle,
	}
	if opts.Wavelength != "" {
		wr, err := extract.ParseWaveRange(opts.Wavelength)
		if err != nil {
			return params, err
		}
		params.Wavelength = &wr
	}
	return params, nil
}

func newSolver(opts *options) solver.Solver {
	if opts.GPU {
		return solver.NewSimWithDevices(opts.DeviceCount)
	}
	return solver.NewSim()
}

func runLocal(ctx context.Context, workers int, pix, ivar *mat.Dense, optics extract.Optics,
	params extract.FrameParams, sv solver.Solver, logger *zap.Logger) (*extract.Frame, error) {

	var frame *extract.Frame
	err := comm.RunLocal(ctx, workers, func(ctx context.Context, c comm.Communicator) error {
		f, err := extract.ExtractFrame(ctx, pix, ivar, optics, params, c, sv, logger)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			frame = f
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func runDistributed(ctx context.Context, opts *options, runID string, pix, ivar *mat.Dense,
	optics extract.Optics, params extract.FrameParams, sv solver.Solver, logger *zap.Logger) (*extract.Frame, error) {

	if opts.RunID == "" {
		return nil, fmt.Errorf("--run-id is required for distributed extraction")
	}

	nc, err := natscomm.Connect(ctx, natscomm.DefaultConnectionConfig(opts.NATSURL), logger)
	if err != nil {
		return nil, err
	}
	defer natscomm.Close(nc)

	group, err := natscomm.NewGroup(nc, runID, opts.Rank, opts.Size, logger)
	if err != nil {
		return nil, err
	}
	defer group.Close()

	logger.Info("Joined worker group",
		zap.Int("rank", opts.Rank),
		zap.Int("size", opts.Size),
		zap.String("nats_url", opts.NATSURL))

	return extract.ExtractFrame(ctx, pix, ivar, optics, params, group, sv, logger)
}

func writeFrame(ctx context.Context, opts *options, runID string, frame *extract.Frame, logger *zap.Logger) error {
	data, err := storage.EncodeFrame(runID, frame)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
		return fmt.Errorf("write frame %s: %w", opts.Output, err)
	}
	logger.Info("Wrote frame",
		zap.String("output", opts.Output),
		zap.Int("size_bytes", len(data)))

	connectionString := viper.GetString("storage_connection_string")
	if connectionString == "" {
		return nil
	}
	container := viper.GetString("storage_container")
	if container == "" {
		container = "specter-frames"
	}
	blobs, err := storage.NewAzureBlobClient(connectionString, container, logger)
	if err != nil {
		return err
	}
	store, err := storage.NewFrameStore(blobs, logger)
	if err != nil {
		return err
	}
	ref, err := store.SaveFrame(ctx, runID, frame)
	if err != nil {
		return err
	}
	logger.Info("Uploaded frame", zap.String("blob_url", ref))
	return nil
}
