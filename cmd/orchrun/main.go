// Command orchrun runs orchestration workflows from a local directory
// against an in-process execution client, persists job records, and prints
// highstate-style summaries.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orchlab/orchestrate-go/orch"
	"github.com/orchlab/orchestrate-go/orch/emit"
	"github.com/orchlab/orchestrate-go/orch/localexec"
	"github.com/orchlab/orchestrate-go/orch/store"
)

// errRunFailed marks a run that completed with a nonzero retcode. The
// summary has already been printed; main maps it to exit status 1 without
// extra noise. Surfaced as an error (not os.Exit inside RunE) so deferred
// cleanup, like closing the job store, still runs.
var errRunFailed = errors.New("orchestration failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errRunFailed) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "orchrun:", err)
		os.Exit(2)
	}
}

// config is the on-disk CLI configuration.
type config struct {
	// WorkflowRoot is the directory holding <name>.yaml workflow files.
	WorkflowRoot string `yaml:"workflow_root"`
	// Namespace prefixes all event tags. Defaults to "salt".
	Namespace string `yaml:"namespace"`
	// JobDB is the SQLite job database path. Empty keeps jobs in memory
	// only, which makes the jobs subcommand useless across invocations.
	JobDB string `yaml:"job_db"`
	// KillFile holds soft-kill marks registered ahead of a run.
	KillFile string `yaml:"kill_file"`
	// Minions is the simulated minion set for the local client.
	Minions []string `yaml:"minions"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		WorkflowRoot: ".",
		Namespace:    "salt",
		Minions:      []string{"minion"},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "orchrun",
		Short:         "Run orchestration workflows locally",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "orchrun.yaml", "configuration file")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newSoftKillCmd(&cfgPath))
	root.AddCommand(newJobsCmd(&cfgPath))
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}

			source := orch.NewDirSource(cfg.WorkflowRoot)

			client := localexec.New(cfg.Minions)
			dispatcher := orch.NewDispatcher(client, client, orch.DefaultRetryPolicy())

			var emitter emit.Emitter = emit.NewNullEmitter()
			if verbose {
				emitter = emit.NewLogEmitter(cmd.ErrOrStderr(), false)
			}

			opts := []orch.Option{
				orch.WithEmitter(emitter),
				orch.WithNamespace(cfg.Namespace),
			}
			if cfg.JobDB != "" {
				jobs, err := store.NewSQLiteStore[*orch.JobRecord](cfg.JobDB)
				if err != nil {
					return err
				}
				defer jobs.Close()
				opts = append(opts, orch.WithJobStore(jobs))
			}

			engine := orch.New(source, dispatcher, opts...)
			if err := preloadKills(engine.SoftKills(), killFilePath(cfg)); err != nil {
				return err
			}

			job, err := engine.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), orch.Render(job))
			if job.Retcode != 0 {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log events to stderr as they fire")
	return cmd
}

func newSoftKillCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "soft-kill <jid> <step>",
		Short: "Mark a step to be skipped before it starts",
		Long: "Records a (jid, step) skip mark in the kill file. A subsequent or\n" +
			"concurrent run with that JID skips the step if it has not started\n" +
			"yet; steps already running are unaffected.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return appendKill(killFilePath(cfg), args[0], args[1])
		},
	}
}

func newJobsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <jid>",
		Short: "Print the stored summary of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.JobDB == "" {
				return fmt.Errorf("no job_db configured; job records were not persisted")
			}
			jobs, err := store.NewSQLiteStore[*orch.JobRecord](cfg.JobDB)
			if err != nil {
				return err
			}
			defer jobs.Close()

			job, err := jobs.Get(cmd.Context(), args[0])
			if err != nil {
				if err == store.ErrNotFinished {
					return fmt.Errorf("job %s has not finished", args[0])
				}
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), orch.Render(job))
			return nil
		},
	}
}
