package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"Netlab/api"
	"Netlab/pkg"
	"Netlab/pkg/topo"
)

var rootCmd = &cobra.Command{
	Use:   "netlab",
	Short: "Network namespace emulation",
	Long: `Build a topology of hosts, switches and routers out of Linux network
namespaces and veth pairs, then drop into a shell bound to it.

Without a subcommand the demo topology is started: router r0 joins
192.168.1.0/24, 172.16.0.0/12 and 10.0.0.0/8, each a switch with two hosts.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := topo.LinuxRouter()
		if err != nil {
			return err
		}
		return run(cmd, g)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	def := pkg.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringP("log-level", "l", "info", "log level: debug, info, warn, error or fatal")
	flags.String("switch", def.Switch, "switch fabric: bridge or ovs")
	flags.String("prefix", def.Prefix, "prefix for namespace, container and bridge names")
	flags.Int("mtu", def.MTU, "MTU of every veth pair")
	flags.Bool("docker", def.Docker, "allow nodes with an image to run as docker containers")
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	s, _ := cmd.Flags().GetString("log-level")
	level, err := log.ParseLevel(s)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", s, err)
	}
	log.SetHandler(cli.New(os.Stderr))
	log.SetLevel(level)
	return nil
}

func configFromFlags(cmd *cobra.Command) (pkg.Config, error) {
	cfg := pkg.DefaultConfig()
	flags := cmd.Flags()
	var err error
	if cfg.Switch, err = flags.GetString("switch"); err != nil {
		return cfg, err
	}
	if cfg.Prefix, err = flags.GetString("prefix"); err != nil {
		return cfg, err
	}
	if cfg.MTU, err = flags.GetInt("mtu"); err != nil {
		return cfg, err
	}
	if cfg.Docker, err = flags.GetBool("docker"); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// run materializes g, prints the routers' route tables and serves the shell on
// stdin until it exits or a signal arrives. The topology is torn down either way.
func run(cmd *cobra.Command, g *topo.Graph) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}
	m, err := pkg.NewManager(cfg, log.Log)
	if err != nil {
		return err
	}
	defer m.Close()

	s := pkg.NewSession(m, log.Log)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err = s.Start(ctx, g); err != nil {
		return err
	}
	// a fresh context so a cancelled command context cannot skip cleanup
	defer s.Destroy(context.Background())

	printRouterTables(s, log.Log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	sh := NewShell(s, cmd.InOrStdin(), cmd.OutOrStdout())
	done := make(chan error, 1)
	go func() {
		done <- sh.Run(ctx)
	}()

	for {
		select {
		case err = <-done:
			return err
		case sig := <-stop:
			// SIGINT only interrupts a running command; at the prompt it leaves
			if sig == syscall.SIGINT && sh.Interrupt() {
				continue
			}
			log.WithField("signal", sig.String()).Info("stopping")
			return nil
		}
	}
}

// printRouterTables logs every router's route table at info level, one entry per line.
func printRouterTables(s *pkg.Session, logger log.Interface) {
	for _, ln := range s.Live().Nodes() {
		if ln.Kind() != api.KindRouter {
			continue
		}
		table, err := s.RouteTable(ln.Name())
		if err != nil {
			logger.WithError(err).WithField("node", ln.Name()).Warn("failed to read route table")
			continue
		}
		logger.Infof("*** Routing Table on Router %s:", ln.Name())
		for _, line := range strings.Split(strings.TrimRight(table, "\n"), "\n") {
			logger.Info(line)
		}
	}
}
