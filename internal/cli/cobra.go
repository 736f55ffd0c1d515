package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"slothify/internal/artifacts"
	"slothify/internal/config"
	"slothify/internal/fsutil"
	"slothify/internal/imaging"
	"slothify/internal/pipeline"
	"slothify/internal/server"
	"slothify/internal/stage"
	"slothify/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	root := NewRoot(cfg, log)

	rootCmd := &cobra.Command{
		Use:   "slothify",
		Short: "Slothify restores and upscales old photographs",
		Long: `Slothify runs photos through a restoration pipeline: face restoration,
AI upscaling, adaptive contrast enhancement and optional background removal.
Model weights are downloaded automatically on first use.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newModelsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// optionFlags binds the per-run option set to a command's flag set.
type optionFlags struct {
	width       int
	height      int
	model       string
	scale       int
	removeBG    bool
	background  string
	noTone      bool
	derivatives bool
	clipLimit   float64
	tileSize    int
}

func (f *optionFlags) register(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().IntVar(&f.width, "width", 512, "output width in pixels")
	cmd.Flags().IntVar(&f.height, "height", 512, "output height in pixels")
	cmd.Flags().StringVar(&f.model, "model", cfg.Upscale.Model, "upscaler model name")
	cmd.Flags().IntVar(&f.scale, "scale", cfg.Upscale.Scale, "upscale factor")
	cmd.Flags().BoolVar(&f.removeBG, "remove-bg", false, "remove the image background")
	cmd.Flags().StringVar(&f.background, "bg-color", "transparent", "replacement background: transparent, white, black, green or #RRGGBB")
	cmd.Flags().BoolVar(&f.noTone, "no-tone", false, "skip the tone correction pass")
	cmd.Flags().BoolVar(&f.derivatives, "derivatives", false, "also write 512 and 1024 square copies next to the source")
	cmd.Flags().Float64Var(&f.clipLimit, "clip-limit", cfg.Enhance.ClipLimit, "CLAHE clip limit")
	cmd.Flags().IntVar(&f.tileSize, "tile-size", cfg.Enhance.TileSize, "CLAHE tile grid size")
}

func (f *optionFlags) build() (stage.Options, error) {
	bg, err := imaging.ParseBackground(f.background)
	if err != nil {
		return stage.Options{}, err
	}
	opts := stage.Options{
		OutputWidth:      f.width,
		OutputHeight:     f.height,
		ModelName:        f.model,
		Scale:            f.scale,
		ClipLimit:        f.clipLimit,
		TileSize:         f.tileSize,
		RemoveBackground: f.removeBG,
		Background:       bg,
		ToneCorrection:   !f.noTone,
		Derivatives:      f.derivatives,
	}
	if err := opts.Validate(); err != nil {
		return stage.Options{}, err
	}
	return opts, nil
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		flags   optionFlags
		output  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "run <image-or-directory>...",
		Short: "Process images through the restoration pipeline",
		Long: `Process one or more images, or whole directories of images. Each input
is restored, upscaled, enhanced and resized; results are written as PNG.

Examples:
  slothify run photo.jpg
  slothify run ./scans --width 1024 --height 1024
  slothify run portrait.png --remove-bg --bg-color white`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.build()
			if err != nil {
				return err
			}

			inputs, err := fsutil.ExpandInputs(args)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return fmt.Errorf("no supported images found in %s", strings.Join(args, ", "))
			}

			outDir := output
			if outDir == "" {
				outDir = pipeline.DefaultOutputDir(opts.OutputWidth, opts.OutputHeight)
			}

			ctx, stop := signalContext()
			defer stop()

			rt, err := root.buildRuntime(ctx, workers)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := rt.executor.RunBatch(ctx, inputs, outDir, opts, func(ev pipeline.Event) {
				switch ev.State {
				case pipeline.StateDone:
					fmt.Printf("done    %s -> %s (%dms)\n", ev.Input, ev.Output, ev.DurationMS)
				case pipeline.StateFailed:
					fmt.Printf("failed  %s: %s: %s\n", ev.Input, ev.ErrorKind, ev.Error)
				}
			})
			if err != nil {
				return err
			}

			fmt.Printf("\n%d processed, %d failed (%.1fs)\n",
				summary.Succeeded, summary.Failed, summary.Duration.Seconds())
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d images failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default slothified_<W>-<H>)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent images (default from config)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr    string
		flags   optionFlags
		output  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP processing server",
		Long: `Start an HTTP server that accepts processing requests, reports item and
artifact status, and streams progress events over a websocket.

Examples:
  slothify serve --addr :8080
  slothify serve --addr :8080 --output /srv/processed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.build()
			if err != nil {
				return err
			}

			outDir := output
			if outDir == "" {
				outDir = root.cfg.Paths.DefaultOutput
			}

			ctx, stop := signalContext()
			defer stop()

			rt, err := root.buildRuntime(ctx, workers)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := server.New(addr, rt.store, rt.artifacts, rt.executor, opts, outDir, root.log)
			return srv.Start(ctx)
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVarP(&output, "output", "o", "", "default output directory")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent images (default from config)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags   optionFlags
		output  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Process images dropped into a directory",
		Long: `Watch a directory and process every supported image that appears in it.
Images already present at startup are processed first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.build()
			if err != nil {
				return err
			}

			outDir := output
			if outDir == "" {
				outDir = pipeline.DefaultOutputDir(opts.OutputWidth, opts.OutputHeight)
			}

			ctx, stop := signalContext()
			defer stop()

			rt, err := root.buildRuntime(ctx, workers)
			if err != nil {
				return err
			}
			defer rt.Close()

			w, err := watch.New(root.log, rt.executor, args[0], outDir, opts)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default slothified_<W>-<H>)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent images (default from config)")
	return cmd
}

func newModelsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and preload model artifacts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List artifact status and installed upscaler models",
		RunE: func(cmd *cobra.Command, args []string) error {
			arts := artifacts.NewStore(root.log, artifacts.Catalog(&root.cfg.Models), nil)
			fmt.Println("Artifacts:")
			for _, st := range arts.Statuses() {
				fmt.Printf("  %-12s %-11s %s\n", st.Name, st.State, st.Path)
			}
			models := artifacts.ListModels(root.cfg.Models.Dir)
			fmt.Println("\nUpscaler models:")
			for _, m := range models {
				fmt.Printf("  %s\n", m)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure [artifact]...",
		Short: "Download artifacts ahead of time",
		Long:  "Download the named artifacts, or all of them when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			catalog := artifacts.Catalog(&root.cfg.Models)
			arts := artifacts.NewStore(root.log, catalog, nil)

			names := args
			if len(names) == 0 {
				for _, a := range catalog {
					names = append(names, a.Name)
				}
			}
			for _, name := range names {
				path, err := arts.Ensure(ctx, name)
				if err != nil {
					return fmt.Errorf("ensure %s: %w", name, err)
				}
				fmt.Printf("installed  %-12s %s\n", name, path)
			}
			return nil
		},
	})

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("slothify v1.0.0-dev")
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
