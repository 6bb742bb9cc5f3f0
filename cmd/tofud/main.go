package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/tofud/internal/daemon"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/setup"
)

const version = "0.3.0"

var (
	projectDir string

	rootCmd = &cobra.Command{
		Use:           "tofud",
		Short:         "Per-tenant OpenTofu reconciliation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}

	initStorage  string
	initBucket   string
	initSkipCode bool

	initCmd = &cobra.Command{
		Use:   "init [project_dir]",
		Short: "Create .tofud/ with a default config and scaffold opentofu/",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tofud %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "directory to search upwards from for .tofud/")

	initCmd.Flags().StringVar(&initStorage, "storage", "badger", "storage backend (badger, gcs, memory)")
	initCmd.Flags().StringVar(&initBucket, "bucket", "", "bucket for the gcs backend")
	initCmd.Flags().BoolVar(&initSkipCode, "skip-code", false, "do not scaffold opentofu/")

	rootCmd.AddCommand(daemonCmd, initCmd, versionCmd)
	addClientCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadProject finds the state dir above projectDir and reads its config.
func loadProject() (string, model.Config, error) {
	stateDir, err := model.FindStateDir(projectDir)
	if err != nil {
		return "", model.Config{}, err
	}
	cfg, err := model.LoadConfig(stateDir)
	if err != nil {
		return "", model.Config{}, err
	}
	return stateDir, cfg, nil
}

func runDaemon(_ *cobra.Command, _ []string) error {
	stateDir, cfg, err := loadProject()
	if err != nil {
		return err
	}
	d, err := daemon.New(stateDir, cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run()
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := projectDir
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	stateDir, err := setup.Run(abs, setup.Options{
		Storage:  initStorage,
		Bucket:   initBucket,
		SkipCode: initSkipCode,
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\nstart the daemon with: tofud daemon -C %s\n", stateDir, abs)
	return nil
}
