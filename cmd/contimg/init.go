package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/storage/sqlite"
	"github.com/meridian-obs/contimg/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Initialize a contimg workspace in the current directory",
	Long: `Initialize a contimg workspace: write contimg.yaml, create the data
directories, the state database, and a kernel manifest template.

Without flags the command asks for the directory layout interactively
when run on a terminal. Pass --no-input (or the path flags) to skip
the questions.

Examples:
  contimg init
  contimg init --raw /data/incoming --staging /data/staging --published /data/pub
  contimg init --no-input --subbands 8`,
	Run: func(cmd *cobra.Command, _ []string) {
		rawDir, _ := cmd.Flags().GetString("raw")
		stagingDir, _ := cmd.Flags().GetString("staging")
		publishedDir, _ := cmd.Flags().GetString("published")
		subbands, _ := cmd.Flags().GetInt("subbands")
		force, _ := cmd.Flags().GetBool("force")
		quiet, _ := cmd.Flags().GetBool("quiet")
		noInput, _ := cmd.Flags().GetBool("no-input")

		cwd, err := os.Getwd()
		if err != nil {
			fatal("failed to get current directory: %v", err)
		}

		cfgPath := filepath.Join(cwd, config.ConfigFileName)
		if !force {
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(os.Stderr, `%s Found existing %s

This workspace is already initialized. To reinitialize and overwrite
the configuration, run:
  contimg init --force

Aborting.
`, ui.RenderWarn(ui.IconWarn), cfgPath)
				os.Exit(1)
			}
		}

		// Ask for the layout when nothing was given and we have a terminal.
		askLayout := rawDir == "" && stagingDir == "" && publishedDir == ""
		if askLayout && !noInput && !quiet && ui.IsTerminal() {
			rawDir, stagingDir, publishedDir = "raw", "staging", "published"
			subbandsStr := strconv.Itoa(subbands)
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewNote().
						Title("contimg Workspace Setup").
						Description("Where should the pipeline read and write data?\nRelative paths are resolved against this directory."),
					huh.NewInput().
						Title("Raw directory").
						Description("Incoming subband files are watched here.").
						Value(&rawDir),
					huh.NewInput().
						Title("Staging directory").
						Description("Working area for conversion, calibration, and imaging.").
						Value(&stagingDir),
					huh.NewInput().
						Title("Published directory").
						Description("Validated products are published here.").
						Value(&publishedDir),
					huh.NewInput().
						Title("Subbands per observation").
						Description("A group is complete once this many subband files arrived.").
						Value(&subbandsStr).
						Validate(func(s string) error {
							n, err := strconv.Atoi(s)
							if err != nil || n < 1 {
								return fmt.Errorf("enter a positive number")
							}
							return nil
						}),
				),
			)
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Setup cancelled: %v\n", err)
				os.Exit(1)
			}
			subbands, _ = strconv.Atoi(subbandsStr)
		}
		if rawDir == "" {
			rawDir = "raw"
		}
		if stagingDir == "" {
			stagingDir = "staging"
		}
		if publishedDir == "" {
			publishedDir = "published"
		}

		// Store absolute paths so the daemon works regardless of where it
		// is started from.
		rawDir = absAgainst(cwd, rawDir)
		stagingDir = absAgainst(cwd, stagingDir)
		publishedDir = absAgainst(cwd, publishedDir)

		stateDir := filepath.Join(cwd, config.StateDirName)
		res := ui.InitResult{
			Workspace:  cwd,
			ConfigPath: cfgPath,
		}

		dirs := []string{
			rawDir,
			stagingDir,
			filepath.Join(stagingDir, "caltables"),
			filepath.Join(stagingDir, "scratch"),
			publishedDir,
			stateDir,
			filepath.Join(stateDir, "logs"),
		}
		for _, d := range dirs {
			if err := os.MkdirAll(d, 0o750); err != nil {
				fatal("failed to create %s: %v", d, err)
			}
			res.Dirs = append(res.Dirs, displayPath(cwd, d))
		}

		if entries, err := os.ReadDir(rawDir); err == nil && len(entries) > 0 {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s already holds %d entries; they will be ingested on first run", displayPath(cwd, rawDir), len(entries)))
		}

		eligible := subbands * 3 / 4
		if eligible < 1 {
			eligible = 1
		}
		yamlBody := fmt.Sprintf(configTemplate, rawDir, stagingDir, publishedDir, subbands, eligible)
		if err := os.WriteFile(cfgPath, []byte(yamlBody), 0o644); err != nil {
			fatal("failed to write %s: %v", cfgPath, err)
		}

		res.ManifestPath = filepath.Join(stateDir, "kernel.toml")
		if _, err := os.Stat(res.ManifestPath); err == nil {
			res.ManifestFound = true
		} else {
			if err := os.WriteFile(res.ManifestPath, []byte(manifestTemplate), 0o644); err != nil {
				fatal("failed to write %s: %v", res.ManifestPath, err)
			}
		}

		res.DBPath = filepath.Join(stateDir, "contimg.db")
		store, err := sqlite.New(rootCtx, res.DBPath)
		if err != nil {
			fatal("failed to create database: %v", err)
		}
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}

		res.QuickstartCommands = []string{
			"contimg config validate",
			"contimg run",
			"contimg status",
		}

		if quiet {
			return
		}
		fmt.Println()
		fmt.Println(ui.RenderInitReport(res, ui.GetWidth()))
		fmt.Println()
	},
}

// absAgainst resolves p against base when p is relative.
func absAgainst(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// displayPath shortens workspace-internal paths for the init report.
func displayPath(workspace, p string) string {
	rel, err := filepath.Rel(workspace, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel + "/"
}

const configTemplate = `# contimg workspace configuration.
#
# Values omitted here fall back to built-in defaults; CONTIMG_* environment
# variables override everything. 'contimg config show' prints the full
# effective tree.

paths:
  raw: %q
  staging: %q
  published: %q

ingest:
  # A group is complete at complete_threshold subbands and becomes eligible
  # for processing at eligible_threshold after semi_complete_delay.
  complete_threshold: %d
  eligible_threshold: %d
  # semi_complete_delay: 15m
  # quiescence: 30s
  # patterns: ["*.uvh5", "*.dat"]

orchestrator:
  worker_count: 2

logging:
  level: info
`

const manifestTemplate = `# Kernel manifest template. Point the ops below at your kernel binaries
# before starting the daemon; {inputs}, {result}, and {workdir} expand
# per invocation.

name = "example-kernel"
version = "0.1.0"
protocol_min = "1.0.0"
protocol_max = "1.0.0"

[ops.probe]
bin = "contimg-kernel"
args = ["probe", "--inputs", "{inputs}", "--out", "{result}"]

[ops.convert_group]
bin = "contimg-kernel"
args = ["convert-group", "--inputs", "{inputs}", "--workdir", "{workdir}", "--out", "{result}"]

[ops.solve_calibration]
bin = "contimg-kernel"
args = ["solve-calibration", "--inputs", "{inputs}", "--workdir", "{workdir}", "--out", "{result}"]

[ops.apply_calibration]
bin = "contimg-kernel"
args = ["apply-calibration", "--inputs", "{inputs}", "--workdir", "{workdir}", "--out", "{result}"]

[ops.image]
bin = "contimg-kernel"
args = ["image", "--inputs", "{inputs}", "--workdir", "{workdir}", "--out", "{result}"]

[ops.validate_image]
bin = "contimg-kernel"
args = ["validate-image", "--inputs", "{inputs}", "--out", "{result}"]

[ops.crossmatch]
bin = "contimg-kernel"
args = ["crossmatch", "--inputs", "{inputs}", "--out", "{result}"]

[ops.photometry]
bin = "contimg-kernel"
args = ["photometry", "--inputs", "{inputs}", "--out", "{result}"]
`

func init() {
	initCmd.Flags().String("raw", "", "Directory watched for incoming subband files")
	initCmd.Flags().String("staging", "", "Working directory for intermediate products")
	initCmd.Flags().String("published", "", "Directory validated products are published to")
	initCmd.Flags().Int("subbands", 16, "Expected subband files per observation")
	initCmd.Flags().Bool("force", false, "Reinitialize even if contimg.yaml already exists")
	initCmd.Flags().BoolP("quiet", "q", false, "Suppress output")
	initCmd.Flags().Bool("no-input", false, "Never ask interactively; use flags and defaults")
	rootCmd.AddCommand(initCmd)
}
