package main

import (
	"github.com/spf13/cobra"

	"github.com/aelexs/otp-gateway/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return server.Run(cmd.Context(), server.Params{
				Name:  serviceName,
				Setup: setup,
			}, nil)
		},
	}
}
