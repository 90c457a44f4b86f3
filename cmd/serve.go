package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/job"
	"github.com/sells-group/maintops/internal/refresh"
	"github.com/sells-group/maintops/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the refresh job API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := destPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		var (
			recorder refresh.RunRecorder
			history  server.HistoryLister
		)
		if cfg.Refresh.History {
			h := refresh.NewHistory(pool)
			recorder, history = h, h
		}

		pipeline, err := newPipeline(recorder)
		if err != nil {
			return err
		}
		coord := job.NewCoordinator(pipeline)

		srv := server.New(server.Config{
			Port:           cfg.Server.Port,
			CORSOrigins:    cfg.Server.CORSOrigins,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
		}, coord, history, pool)

		err = srv.Run(ctx)
		if coord.Running() {
			zap.L().Info("waiting for in-flight refresh to finish")
			coord.Wait()
		}
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
