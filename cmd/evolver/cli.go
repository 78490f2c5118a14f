package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/shepherd-project/evolver/internal/config"
	"github.com/shepherd-project/evolver/internal/gguf"
	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/hub"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/materialize"
	"github.com/shepherd-project/evolver/internal/recipe"
	"github.com/shepherd-project/evolver/internal/shutdown"
	"github.com/shepherd-project/evolver/internal/tensor"
	"github.com/shepherd-project/evolver/internal/version"
)

// NewCLI builds the evolver command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   version.Name,
		Short: "Layer-wise merging and generation for GPT-2 models",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default config/evolver.config.yaml)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newServeCmd(),
		newModelsCmd(),
		newExportCmd(),
		newInspectCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, *config.Manager, error) {
	path, _ := cmd.Flags().GetString("config")
	var mgr *config.Manager
	if path != "" {
		mgr = config.NewManagerWithPath(path)
	} else {
		if err := config.EnsureConfigDir(); err != nil {
			return nil, nil, err
		}
		mgr = config.NewManager()
	}
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, mgr, nil
}

// cliLogger writes warnings and errors to stderr for the one-shot commands.
func cliLogger(cmd *cobra.Command) *logger.Logger {
	return logger.New(cmd.ErrOrStderr(), "warn", false)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the HTTP server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			preload, _ := cmd.Flags().GetBool("preload")
			preload = preload || cfg.Catalog.Preload
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := logger.InitLogger(&cfg.Log, "serve"); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: file logging disabled: %v\n", err)
			}
			log := logger.GetLogger()
			log.Infof("%s %s starting", version.Name, version.GetVersionInfo())
			log.Infof("config file: %s", mgr.GetConfigPath())

			return serve(cmd.Context(), cfg, log, preload, nil)
		},
	}
	cmd.Flags().Bool("preload", false, "Load the base weights at startup")
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides the config file)")
	return cmd
}

// serve runs until a signal arrives, ctx is cancelled or ready's server is
// told to stop. ready, when set, receives the listening address.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, preload bool, ready func(addr string)) error {
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	shutdownMgr := shutdown.NewManager(10*time.Second, log)
	a.registerHooks(shutdownMgr)

	if err := a.start(ctx, preload); err != nil {
		shutdownMgr.Stop()
		shutdownMgr.Wait()
		return err
	}
	shutdownMgr.Start()
	log.Infof("listening on %s", a.server.Addr())
	if ready != nil {
		ready(a.server.Addr())
	}

	select {
	case <-ctx.Done():
		shutdownMgr.Stop()
	case <-shutdownMgr.Done():
	}
	for _, r := range shutdownMgr.Wait() {
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
			err = errors.Join(err, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return err
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the base model catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cat, err := newCatalog(cfg, cliLogger(cmd))
			if err != nil {
				return err
			}

			st := cat.Status()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st.Models)
			}

			remote, _ := cmd.Flags().GetBool("remote")
			client := hub.NewClient(cfg.Catalog.Hub)

			header := []string{"NAME", "REPO", "FORMAT", "DEPTH", "PAIR", "PATH"}
			if remote {
				header = append(header, "REMOTE SIZE")
			}
			var data [][]string
			for _, m := range st.Models {
				pair := ""
				if m.Designated {
					pair = "*"
				}
				row := []string{m.Name, m.Repo, m.Format, strconv.Itoa(m.Depth), pair, m.Path}
				if remote {
					row = append(row, remoteSize(cmd.Context(), client, m.Repo))
				}
				data = append(data, row)
			}
			table := newTable(cmd.OutOrStdout())
			table.SetHeader(header)
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	cmd.Flags().Bool("remote", false, "Query the hub for the download size of each repo")
	return cmd
}

// remoteSize sums the file sizes of repo on the hub.
func remoteSize(ctx context.Context, client *hub.Client, repo string) string {
	if repo == "" {
		return "-"
	}
	files, err := client.ListFiles(ctx, repo)
	if err != nil {
		return "error: " + err.Error()
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return fmt.Sprintf("%.1f MB", float64(total)/(1<<20))
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Materialize a base model or a recipe file and write its weights",
		Long: `Materialize a model and write it as safetensors (with config.json) or GGUF.

The recipe file holds a JSON recipe:
  {"layers": [[{"srcLayer": 0, "srcModel": "svamp", "coeff": 1}], ...],
   "embeddingLambdas": [1, 1], "linearLambdas": [1, 1]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")
			recipePath, _ := cmd.Flags().GetString("recipe")
			out, _ := cmd.Flags().GetString("out")
			format, _ := cmd.Flags().GetString("format")
			f16, _ := cmd.Flags().GetBool("f16")

			if (model == "") == (recipePath == "") {
				return errors.New("exactly one of --model and --recipe is required")
			}
			if format == "" {
				format = formatFromPath(out)
			}
			if format != config.FormatSafetensors && format != config.FormatGGUF {
				return fmt.Errorf("unknown format %q", format)
			}
			if f16 && format != config.FormatGGUF {
				return errors.New("--f16 is only supported for gguf")
			}

			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := cliLogger(cmd)
			cat, err := newCatalog(cfg, log)
			if err != nil {
				return err
			}

			var r recipe.Recipe
			name := model
			if model != "" {
				depth, ok := cat.Depth(model)
				if !ok {
					return fmt.Errorf("%s is not a base model", model)
				}
				r = recipe.Identity(model, depth)
			} else {
				if r, err = readRecipe(recipePath); err != nil {
					return err
				}
				name = strings.TrimSuffix(filepath.Base(recipePath), filepath.Ext(recipePath))
			}

			mat := materialize.New(cat, materialize.Options{Workers: cfg.Materialize.Workers, Logger: log})
			m, err := mat.Materialize(cmd.Context(), r)
			if err != nil {
				return err
			}

			if format == config.FormatGGUF {
				err = gguf.Write(out, m, gguf.WriteOptions{Name: name, F16: f16})
			} else {
				err = writeSafetensors(out, m, r)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d layers, %s)\n", out, m.HParams.Layers, format)
			return nil
		},
	}
	cmd.Flags().String("model", "", "Base model to export")
	cmd.Flags().String("recipe", "", "Recipe JSON file to materialize")
	cmd.Flags().StringP("out", "o", "", "Output file")
	cmd.Flags().String("format", "", "safetensors or gguf (default from the file extension)")
	cmd.Flags().Bool("f16", false, "Store GGUF tensors as F16")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".gguf") {
		return config.FormatGGUF
	}
	return config.FormatSafetensors
}

func readRecipe(path string) (recipe.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return recipe.Recipe{}, err
	}
	var r recipe.Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return recipe.Recipe{}, fmt.Errorf("parse recipe %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return recipe.Recipe{}, err
	}
	return r, nil
}

// writeSafetensors writes the weights and a config.json next to them so the
// directory can serve as a catalog entry.
func writeSafetensors(path string, m *gpt2.Model, r recipe.Recipe) error {
	rj, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := tensor.WriteSafetensors(path, m.Tensors(), map[string]string{"format": "pt", "recipe": string(rj)}); err != nil {
		return err
	}
	hp, err := json.MarshalIndent(m.HParams, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(filepath.Dir(path), gpt2.ConfigFile), hp, 0o644)
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE.gguf...",
		Short: "Print the architecture of GGUF files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, path := range args {
				if err := inspectGGUF(out, path); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func inspectGGUF(out io.Writer, path string) error {
	p, err := gguf.NewParser(path)
	if err != nil {
		return err
	}
	hp, err := p.HParams()
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	table := newTable(out)
	table.AppendBulk([][]string{
		{"file", filepath.Base(path)},
		{"size", fmt.Sprintf("%d bytes", info.Size())},
		{"architecture", p.Architecture()},
		{"layers", strconv.Itoa(hp.Layers)},
		{"embedding", strconv.Itoa(hp.Embedding)},
		{"heads", strconv.Itoa(hp.Heads)},
		{"context", strconv.Itoa(hp.Positions)},
		{"vocab", strconv.Itoa(hp.VocabSize)},
		{"parameters", strconv.FormatInt(hp.SharedParams()+int64(hp.Layers)*hp.ParamsPerBlock(), 10)},
	})
	table.Render()
	return nil
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo().FullString())
		},
	}
}
