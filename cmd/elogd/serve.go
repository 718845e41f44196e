package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/untoldecay/elogd/internal/actions"
	"github.com/untoldecay/elogd/internal/attachments"
	"github.com/untoldecay/elogd/internal/config"
	"github.com/untoldecay/elogd/internal/server"
	"github.com/untoldecay/elogd/internal/storage/sqlite"
	"github.com/untoldecay/elogd/internal/users"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the logbook server",
	Long: `Run the HTTP server.

Examples:
  elogd serve                          # serve on the configured address
  elogd serve --port 9000              # override the port
  ELOGD_DATABASE_PATH=/data/log.db elogd serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			config.Set("server.port", port)
		}
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			config.Set("server.host", host)
		}
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
	serveCmd.Flags().String("host", "", "listen host (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	store, err := sqlite.New(ctx, config.GetString("database.path"),
		sqlite.WithLockTimeout(config.GetDuration("lock.timeout")),
		sqlite.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline := attachments.NewPipeline(afero.NewOsFs(),
		config.GetString("upload_folder"), logger)

	dispatcher, err := buildDispatcher(logger)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	directory, err := buildDirectory()
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Store:      store,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Directory:  directory,
		Logger:     logger,
	})

	addr := net.JoinHostPort(config.GetString("server.host"),
		strconv.Itoa(config.GetInt("server.port")))
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	config.Watch(func() {
		logger.Info("configuration changed, restart to apply server settings")
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr,
			"database", config.GetString("database.path"))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		config.GetDuration("server.shutdown_timeout"))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildDispatcher(logger *slog.Logger) (*actions.Dispatcher, error) {
	specs, err := config.ActionHandlers()
	if err != nil {
		return nil, err
	}
	handlers := make([]actions.Handler, 0, len(specs))
	for _, spec := range specs {
		h, err := actions.NewHandler(spec)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	return actions.NewDispatcher(handlers,
		config.GetInt("actions.workers"),
		config.GetInt("actions.queue_size"),
		logger,
		actions.WithHandlerTimeout(config.GetDuration("actions.handler_timeout"))), nil
}

func buildDirectory() (users.Directory, error) {
	switch source := config.GetString("users.source"); source {
	case "", "none":
		return users.Null{}, nil
	case "passwd":
		return &users.Passwd{Path: config.GetString("users.passwd_file")}, nil
	case "ldap":
		return &users.LDAP{
			URL:       config.GetString("ldap.url"),
			BaseDN:    config.GetString("ldap.base_dn"),
			LoginAttr: config.GetString("ldap.login_attr"),
			NameAttr:  config.GetString("ldap.name_attr"),
			MailAttr:  config.GetString("ldap.mail_attr"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown users.source %q", source)
	}
}
