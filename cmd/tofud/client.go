package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/tofud/internal/daemon"
	"github.com/msageha/tofud/internal/status"
	"github.com/msageha/tofud/internal/uds"
)

// addClientCommands registers the commands that talk to a running daemon.
func addClientCommands(root *cobra.Command) {
	root.AddCommand(
		simpleCommand("ping", "Check that the daemon is running", uds.CmdPing),
		simpleCommand("stats", "Show loop, job and runner counts", uds.CmdStats),
		simpleCommand("shutdown", "Stop the daemon gracefully", uds.CmdShutdown),
		loopCommand(),
		actionCommand(),
		jobCommand(),
		statusCommand(),
		configCommand(),
		overviewCommand(),
	)
}

func overviewCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Summarize the daemon, its loops and its running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(10 * time.Second)
			if err != nil {
				return err
			}
			return status.Run(cmd.OutOrStdout(), c, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newClient(timeout time.Duration) (*uds.Client, error) {
	_, cfg, err := loadProject()
	if err != nil {
		return nil, err
	}
	c := uds.NewClient(cfg.Daemon.SocketPath)
	c.SetTimeout(timeout)
	return c, nil
}

// call sends one command and prints the reply as indented JSON.
func call(cmd *cobra.Command, timeout time.Duration, command string, params any) (json.RawMessage, error) {
	c, err := newClient(timeout)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.Call(command, params, &out); err != nil {
		return nil, err
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return nil, err
	}
	return out, nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func simpleCommand(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := call(cmd, 30*time.Second, command, nil)
			return err
		},
	}
}

func targetFlags(cmd *cobra.Command, p *uds.TargetParams) {
	cmd.Flags().StringVarP(&p.Tenant, "tenant", "t", "", "tenant (client) id")
	cmd.Flags().StringVarP(&p.Resource, "resource", "r", "", "service id")
	cmd.Flags().StringVarP(&p.Provider, "provider", "p", "", "network provider; targets the tenant's network")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagsMutuallyExclusive("resource", "provider")
}

func loopCommand() *cobra.Command {
	loop := &cobra.Command{Use: "loop", Short: "Manage reconciliation loops"}

	var start, stop uds.TargetParams
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start reconciling a resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := call(cmd, 2*time.Minute, uds.CmdLoopStart, start)
			return err
		},
	}
	targetFlags(startCmd, &start)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop reconciling a resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := call(cmd, 2*time.Minute, uds.CmdLoopStop, stop)
			return err
		},
	}
	targetFlags(stopCmd, &stop)

	loop.AddCommand(startCmd, stopCmd, simpleCommand("list", "List active loops", uds.CmdLoopList))
	return loop
}

func actionCommand() *cobra.Command {
	var p uds.ActionParams
	cmd := &cobra.Command{
		Use:       "action <plan|apply|destroy>",
		Short:     "Run a tool action against a resource",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"plan", "apply", "destroy"},
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Action = args[0]
			timeout := 30 * time.Second
			if p.Wait {
				timeout = 0
			}
			raw, err := call(cmd, timeout, uds.CmdAction, p)
			if err != nil || !p.Wait {
				return err
			}
			var res daemon.ActionResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			if res.Status != nil && res.Status.Failed() {
				return fmt.Errorf("%s failed: %s", p.Action, res.Status.ErrorMessage)
			}
			return nil
		},
	}
	targetFlags(cmd, &p.TargetParams)
	cmd.Flags().BoolVarP(&p.Wait, "wait", "w", false, "block until the action finishes")
	return cmd
}

func jobCommand() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect and cancel submitted actions"}
	cancel := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, 30*time.Second, uds.CmdJobCancel, uds.JobParams{ID: args[0]})
			return err
		},
	}
	job.AddCommand(simpleCommand("list", "List running jobs", uds.CmdJobList), cancel)
	return job
}

func statusCommand() *cobra.Command {
	var p uds.TargetParams
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a resource's last execution status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := call(cmd, 5*time.Minute, uds.CmdStatus, p)
			return err
		},
	}
	targetFlags(cmd, &p)
	return cmd
}

func configCommand() *cobra.Command {
	config := &cobra.Command{Use: "config", Short: "Manage stored resource configuration"}

	var p uds.ConfigPutParams
	var file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Store a service or network configuration document",
		Long: `Store a configuration document read from --file ("-" for stdin).
With --provider the document configures the tenant's network; with
--resource it replaces a service's configuration; with neither a new
service is created under a generated id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			p.Config = data
			_, err = call(cmd, 30*time.Second, uds.CmdConfigPut, p)
			return err
		},
	}
	targetFlags(put, &p.TargetParams)
	put.Flags().StringVar(&p.ServiceType, "service-type", "", "service type recorded for a new service")
	put.Flags().StringVarP(&file, "file", "f", "", "JSON document to store")
	_ = put.MarkFlagRequired("file")

	config.AddCommand(put)
	return config
}

func readInput(cmd *cobra.Command, file string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(filepath.Clean(file))
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("config is not valid JSON")
	}
	return data, nil
}
