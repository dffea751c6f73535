// cmd/p42watch/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sorok-Dva/project42-sync/internal/config"
	"github.com/Sorok-Dva/project42-sync/internal/journal"
	"github.com/Sorok-Dva/project42-sync/internal/logging"
	"github.com/Sorok-Dva/project42-sync/internal/session"
	"github.com/Sorok-Dva/project42-sync/internal/status"
)

// p42watch joins one room as a headless client and logs what it sees.
func main() {
	cfgPath := flag.String("config", os.Getenv("P42_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var logger *logrus.Logger
	if cfg.Log.Format == "json" {
		logger = logging.NewJSON(cfg.Log.Level)
	} else {
		logger = logging.New(cfg.Log.Level)
	}

	if cfg.Room == "" || cfg.Token == "" {
		logger.Fatal("room and token are required (P42_ROOM, P42_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("p42watch exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	opts := []session.Option{session.WithLogger(logger)}

	if cfg.Journal.Enabled {
		rdb, err := journal.Connect(ctx, cfg.Journal.RedisAddr, cfg.Journal.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		j := journal.NewRedis(rdb, cfg.JournalConfig(), nil, logger)
		// The journal outlives the session so events recorded while
		// leaving are still flushed.
		stopJournal := startJournal(j)
		defer func() {
			if err := stopJournal(); err != nil {
				logger.WithError(err).Warn("Journal stopped with error")
			}
		}()
		opts = append(opts, session.WithJournal(j))
		logger.WithField("queue", cfg.Journal.Queue).Info("Journal enabled")
	}

	sess := session.New(cfg.Session(), opts...)
	defer sess.Close()

	cancelViews := sess.Subscribe(func(v session.View) {
		logger.WithFields(logrus.Fields{
			"version":   v.Snapshot.Version,
			"seq":       v.Snapshot.Seq,
			"phase":     v.Snapshot.Room.Phase,
			"round":     v.Snapshot.Room.Round,
			"remaining": v.Remaining.Round(time.Second),
			"pending":   len(v.Pending),
			"conn":      v.Connection,
		}).Debug("View updated")
	})
	defer cancelViews()

	sess.OnAlert(func(a session.Alert) {
		entry := logger.WithFields(logrus.Fields{"room": a.RoomID, "alert": a.Kind})
		switch a.Kind {
		case session.AlertPhaseExpiring:
			entry.WithFields(logrus.Fields{"phase": a.Expiry.Phase, "round": a.Expiry.Round}).Info("Phase time is up")
		case session.AlertActionRejected:
			entry.WithError(a.Result.Err).WithField("action", a.Result.Action.Kind).Warn("Action rejected")
		case session.AlertReconnectExhausted:
			entry.WithError(a.Err).Error("Gave up reconnecting")
		default:
			entry.WithError(a.Err).WithField("state", a.State).Info("Connection changed")
		}
	})

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           status.Router(sess, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("Status endpoint on %s", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := sess.Join(gctx, cfg.Room, cfg.Token); err != nil {
			return fmt.Errorf("join %s: %w", cfg.Room, err)
		}
		<-gctx.Done()
		return sess.Leave()
	})

	return g.Wait()
}

// startJournal runs j until the returned stop is called. stop flushes
// what is buffered and waits for Run to return.
func startJournal(j *journal.Redis) (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	return func() error {
		cancel()
		return <-done
	}
}
