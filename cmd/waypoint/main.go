// Command waypoint runs the durable workflow server.
package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petrijr/waypoint/internal/config"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "waypoint",
		Short:         "Durable workflow engine for long-running business processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run workers, timers, activities, schedules and the HTTP API",
		PreRunE: c.setupConfig,
		RunE:    c.serve,
	}
	if err := config.BindFlags(c.v, cmd.Flags()); err != nil {
		log.Fatal(err)
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "waypoint", version)
			return err
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
