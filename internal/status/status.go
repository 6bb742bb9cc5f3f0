// Package status renders a one-screen overview of a running daemon: whether
// it answers, its counters, the active loops and the running jobs.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/msageha/tofud/internal/engine"
	"github.com/msageha/tofud/internal/jobs"
	"github.com/msageha/tofud/internal/uds"
)

type Overview struct {
	Daemon DaemonStatus      `json:"daemon"`
	Stats  *engine.Stats     `json:"stats,omitempty"`
	Loops  []engine.LoopInfo `json:"loops,omitempty"`
	Jobs   []jobs.Info       `json:"jobs,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Pid     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Caller is the part of uds.Client the overview needs.
type Caller interface {
	Call(command string, params, out any) error
}

// Collect queries the daemon. An unreachable daemon is reported as stopped,
// not as an error.
func Collect(c Caller) Overview {
	var o Overview
	var pong struct {
		Pid int `json:"pid"`
	}
	if err := c.Call(uds.CmdPing, nil, &pong); err != nil {
		o.Daemon.Error = err.Error()
		return o
	}
	o.Daemon = DaemonStatus{Running: true, Pid: pong.Pid}

	var stats engine.Stats
	if err := c.Call(uds.CmdStats, nil, &stats); err == nil {
		o.Stats = &stats
	}
	_ = c.Call(uds.CmdLoopList, nil, &o.Loops)
	_ = c.Call(uds.CmdJobList, nil, &o.Jobs)

	sort.Slice(o.Loops, func(i, j int) bool { return o.Loops[i].Key.String() < o.Loops[j].Key.String() })
	sort.Slice(o.Jobs, func(i, j int) bool { return o.Jobs[i].StartedAt.Before(o.Jobs[j].StartedAt) })
	return o
}

// Run collects the overview and prints it as text or JSON.
func Run(w io.Writer, c Caller, jsonOutput bool) error {
	o := Collect(c)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	}
	printOverview(w, o, time.Now())
	return nil
}

func printOverview(w io.Writer, o Overview, now time.Time) {
	if !o.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (pid %d)\n", o.Daemon.Pid)
	if o.Stats != nil {
		fmt.Fprintf(w, "Loops: %d  Jobs: %d  Runners: %d\n", o.Stats.ActiveLoops, o.Stats.RunningJobs, o.Stats.Runners)
	}

	if len(o.Loops) > 0 {
		fmt.Fprintln(w, "\nLoops:")
		fmt.Fprintf(w, "  %-40s  %9s  %s\n", "KEY", "INTERVAL", "RUNNING FOR")
		for _, l := range o.Loops {
			fmt.Fprintf(w, "  %-40s  %9s  %s\n", l.Key, l.Interval, now.Sub(l.StartedAt).Truncate(time.Second))
		}
	}

	if len(o.Jobs) > 0 {
		fmt.Fprintln(w, "\nJobs:")
		fmt.Fprintf(w, "  %-36s  %-8s  %-40s  %s\n", "ID", "ACTION", "KEY", "RUNNING FOR")
		for _, j := range o.Jobs {
			fmt.Fprintf(w, "  %-36s  %-8s  %-40s  %s\n", j.ID, j.Action, j.Key, now.Sub(j.StartedAt).Truncate(time.Second))
		}
	}
}
