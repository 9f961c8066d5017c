package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"homie/internal/client"
	"homie/internal/discovery"
	"homie/internal/ui"
	"homie/pkg/model"
)

func runCmd(a *app) *cobra.Command {
	var (
		peer    string
		files   []string
		gpu     bool
		image   string
		wait    int
		outDir  string
		timeout time.Duration
		score   string
		minRAM  float64
		minGPU  float64
	)
	cmd := &cobra.Command{
		Use:   "run SCRIPT [ARGS...]",
		Short: "Run a script on the best idle peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scorer, ok := discovery.Scorers[score]
			if !ok {
				return fmt.Errorf("unknown --score %q (want one of %s)", score, scorerNames())
			}
			maxFrame, err := a.cfg.MaxFrame()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			reg, err := a.discover(ctx, time.Duration(wait)*time.Second)
			if err != nil {
				return err
			}
			defer reg.Stop()

			history := a.openHistory()
			if history != nil {
				defer history.Close()
			}

			sink := ui.NewOutputSink(os.Stdout, os.Stderr)
			c := client.New(client.Options{
				Name:        a.cfg.Name,
				Secret:      a.cfg.GroupSecret,
				Peers:       reg,
				ReadTimeout: timeout,
				MaxFrame:    maxFrame,
				OutDir:      outDir,
				Score:       scorer,
				History:     history,
				Sink:        sink,
			})

			need := model.Resource{RAMFreeGB: minRAM, GPUFreeGB: minGPU}
			target, err := c.Resolve(peer, gpu, need)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, ui.InfoMsg("Sending %s to %s (%s)", args[0], ui.Accent(target.Name), target.Addr()))

			sum, err := c.Run(ctx, client.Request{
				Script: args[0],
				Args:   args[1:],
				Files:  files,
				Peer:   target.Name,
				Image:  image,
				GPU:    gpu,
				Need:   need,
			})
			sink.Flush(target.Name)
			if err != nil {
				if client.IsBusy(err) {
					return fmt.Errorf("%s is busy, try again or pick another --peer: %w", target.Name, err)
				}
				return err
			}

			fmt.Fprintln(os.Stderr, ui.Summary(sum.Peer, sum.JobID, sum.Elapsed, sum.ExitCode, sum.TimedOut, sum.Files))
			switch {
			case sum.ExitCode == 0:
				return nil
			case sum.ExitCode > 0:
				return exitCode(sum.ExitCode)
			default:
				return exitCode(1)
			}
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Run on this peer instead of the best idle one")
	cmd.Flags().StringSliceVar(&files, "file", nil, "Extra file to ship with the script (repeatable)")
	cmd.Flags().BoolVar(&gpu, "gpu", false, "Require a peer with a GPU")
	cmd.Flags().StringVar(&image, "image", "", "Container image (default: the peer's configured image)")
	cmd.Flags().IntVar(&wait, "wait", 3, "Seconds to listen for heartbeats before choosing")
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory for returned result files")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up when no frame arrives for this long (0 = never)")
	cmd.Flags().Float64Var(&minRAM, "min-ram", 0, "Only pick peers with at least this much free RAM (GB)")
	cmd.Flags().Float64Var(&minGPU, "min-gpu-mem", 0, "Only pick peers with at least this much free GPU memory (GB)")
	cmd.Flags().StringVar(&score, "score", "balanced", "Peer scoring: "+scorerNames())
	return cmd
}

func scorerNames() string {
	names := make([]string, 0, len(discovery.Scorers))
	for n := range discovery.Scorers {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
