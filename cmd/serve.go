package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"argus/bootstrap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API and both detection engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			app, err := bootstrap.NewApp(ctx, configFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			app.Start()
			err = app.WaitForShutdown()
			app.Shutdown()
			return err
		},
	}
}
