// cmd/rmmclient/devserver.go
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/rmmclient/internal/config"
	"github.com/signalnine/rmmclient/internal/devserver"
	"github.com/signalnine/rmmclient/internal/logging"
	"github.com/signalnine/rmmclient/internal/protocol"
)

func newDevServerCmd(g *globalFlags) *cobra.Command {
	var (
		listen string
		seeds  []string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory management API for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadDevServerConfig(g.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}

			level := g.logLevel
			if level == "" {
				level = "info"
			}
			log, err := logging.New(config.LogConfig{Level: level, Format: "console", Output: "stdout"})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			state := devserver.NewState()
			for _, s := range seeds {
				m, err := parseSeed(s)
				if err != nil {
					return err
				}
				state.PutMachine(m)
			}

			return devserver.NewServer(cfg, state, log).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides listen_addr)")
	cmd.Flags().StringArrayVar(&seeds, "seed", []string{"m-1:Node1:online"}, "Machine to serve, as id:name[:status]")
	return cmd
}

// parseSeed reads "id:name[:status]"; status defaults to online
func parseSeed(s string) (protocol.Machine, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return protocol.Machine{}, fmt.Errorf("invalid --seed %q, want id:name[:status]", s)
	}
	m := protocol.Machine{ID: parts[0], Name: parts[1], Status: "online"}
	if len(parts) == 3 && parts[2] != "" {
		m.Status = parts[2]
	}
	return m, nil
}
