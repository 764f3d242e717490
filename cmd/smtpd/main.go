package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"

	"github.com/OliverSchlueter/smtpevent/internal/config"
	"github.com/OliverSchlueter/smtpevent/internal/directory"
	dirfake "github.com/OliverSchlueter/smtpevent/internal/directory/database/fake"
	"github.com/OliverSchlueter/smtpevent/internal/mailhandler"
	"github.com/OliverSchlueter/smtpevent/internal/mails"
	"github.com/OliverSchlueter/smtpevent/internal/mails/database/badgerdb"
	mailfake "github.com/OliverSchlueter/smtpevent/internal/mails/database/fake"
	"github.com/OliverSchlueter/smtpevent/internal/smtp"
)

func main() {
	configPath := flag.String("config", "smtpd.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	lokiService := sloki.NewService(sloki.Configuration{
		URL:          cfg.Logging.LokiURL,
		Service:      "smtpevent",
		ConsoleLevel: cfg.Logging.ConsoleLevel(),
		LokiLevel:    cfg.Logging.LokiLevelValue(),
		EnableLoki:   cfg.Logging.LokiURL != "",
	})
	slog.SetDefault(slog.New(lokiService))

	if err := run(cfg); err != nil {
		slog.Error("smtpd stopped", sloki.WrapError(err))
		os.Exit(1)
	}
}

func run(cfg *config.Meta) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// mailboxes
	var dir *directory.Store
	if cfg.SMTP.MailboxFile != "" {
		dir = directory.NewStore(directory.Configuration{
			DB: dirfake.NewDB(),
		})
		n, err := directory.LoadFile(cfg.SMTP.MailboxFile, dir)
		if err != nil {
			return err
		}
		slog.Info("Loaded mailboxes", slog.Int("count", n), slog.String("file", cfg.SMTP.MailboxFile))
	} else {
		slog.Warn("No mailbox file configured, accepting every recipient")
	}

	// mails
	var mailsDB mails.DB
	if cfg.Storage.Dir != "" {
		bdb, err := badgerdb.NewDB(cfg.Storage.Dir)
		if err != nil {
			return fmt.Errorf("failed to open mail database: %w", err)
		}
		defer func() {
			if err := bdb.Close(); err != nil {
				slog.Error("Failed to close mail database", sloki.WrapError(err))
			}
		}()
		mailsDB = bdb
	} else {
		mailsDB = mailfake.NewDB()
	}
	ms := mails.NewStore(mails.Configuration{
		DB: mailsDB,
	})

	// smtp server
	smtpConfig := smtp.Configuration{
		Hostname:         cfg.SMTP.Hostname,
		Port:             cfg.SMTP.Port,
		Banner:           cfg.SMTP.Banner,
		CertFile:         cfg.SMTP.TLSCert,
		KeyFile:          cfg.SMTP.TLSKey,
		Mails:            ms,
		MaxMessageSize:   cfg.SMTP.MaxMessageSize,
		MaxRecipients:    cfg.SMTP.MaxRecipients,
		MaxConnections:   cfg.SMTP.MaxConnections,
		IdleTimeout:      cfg.SMTP.IdleTimeout,
		HandshakeTimeout: cfg.SMTP.HandshakeTimeout,
		VerifyReply:      smtp.VerifyReply(cfg.SMTP.VerifyReply),
		VerifyDKIM:       cfg.SMTP.VerifyDKIM,
	}
	if dir != nil {
		smtpConfig.Directory = dir
	}
	smtpServer := smtp.NewServer(smtpConfig)

	// http api
	if cfg.HTTP.Addr != "" {
		mux := http.NewServeMux()
		mailhandler.New(mailhandler.Configuration{
			Mails:     ms,
			Directory: dir,
			Stats:     smtpServer,
		}).Register("/api/v1", mux)

		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("Started HTTP server", slog.String("addr", cfg.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server failed", sloki.WrapError(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	// stats
	go func() {
		ticker := time.NewTicker(cfg.SMTP.StatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				smtpServer.LogStats()
			}
		}
	}()

	listener, err := net.Listen("tcp", ":"+cfg.SMTP.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.SMTP.Port, err)
	}

	slog.Info("Started SMTP server",
		slog.String("hostname", cfg.SMTP.Hostname),
		slog.String("port", cfg.SMTP.Port),
	)
	if err := smtpServer.Serve(ctx, listener); err != nil {
		return err
	}
	// Serve returns once the listener is closed, sessions may still be running
	_ = smtpServer.Close()

	slog.Info("SMTP server stopped")
	smtpServer.LogStats()
	return nil
}
