package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tntb/internal/config"
	"tntb/internal/ingress"
	"tntb/internal/lifecycle"
	"tntb/internal/maintenance"
	"tntb/internal/notify"
	"tntb/internal/runtime/supervisor"
	"tntb/internal/storage"
	"tntb/internal/telegram"
	"tntb/internal/twitch"
	"tntb/pkg/logx"
	"tntb/pkg/tgui"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logConfig(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.StorageBusyTimeout(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		log.Error("storage open failed", logx.Err(err))
		os.Exit(1)
	}
	defer store.Close()

	sender, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		log.Error("telegram init failed", logx.Err(err))
		os.Exit(1)
	}

	platform := twitch.New(twitchConfig(cfg), log.With(logx.String("comp", "twitch")))
	platform.AlertFunc = func(ctx context.Context, text string) {
		owner := mgr.Get().Telegram.OwnerChatID
		if owner == 0 {
			return
		}
		if err := sender.SendMessage(ctx, owner, tgui.Esc(text).String(), true); err != nil {
			log.Warn("operator alert not delivered", logx.Err(err))
		}
	}
	if err := platform.Authenticate(ctx); err != nil {
		// Not fatal: the client re-authenticates lazily on the next call.
		log.Warn("initial twitch auth failed", logx.Err(err))
	}

	composer := notify.NewComposer(store, platform, log.With(logx.String("comp", "composer")))
	dispatcher := notify.NewDispatcher(notifyConfig(cfg), store, sender, composer,
		log.With(logx.String("comp", "dispatch")))
	manager := lifecycle.NewManager(store, platform, sender,
		log.With(logx.String("comp", "lifecycle")))

	server := ingress.New(ingressConfig(cfg), dispatcher, manager,
		log.With(logx.String("comp", "ingress")))

	jobs := maintenance.New(store, platform, log.With(logx.String("comp", "jobs")))
	if err := jobs.Start(jobsConfig(cfg)); err != nil {
		log.Error("maintenance jobs failed to start", logx.Err(err))
		os.Exit(1)
	}
	defer jobs.Stop()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError())
	sup.Go("webhook-server", server.Serve)
	sup.Go("config-watch", mgr.Watch)
	sup.Go("config-reload", func(ctx context.Context) error {
		ch := mgr.Subscribe(1)
		defer mgr.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-ch:
				logSvc.Apply(logConfig(next))
				platform.Apply(twitchConfig(next))
				dispatcher.Apply(notifyConfig(next))
				server.Apply(ingressConfig(next))
				if err := jobs.Start(jobsConfig(next)); err != nil {
					log.Error("maintenance reschedule failed", logx.Err(err))
				}
				log.Info("configuration reloaded")
			}
		}
	})

	if owner := cfg.Telegram.OwnerChatID; owner != 0 {
		msg := tgui.JoinH(" ", tgui.B("Bot started"),
			tgui.Esc(time.Now().UTC().Format(time.RFC3339))).String()
		if err := sender.SendMessage(ctx, owner, msg, true); err != nil {
			log.Warn("startup message not delivered", logx.Err(err))
		}
	}
	log.Info("bot running", logx.String("addr", cfg.HTTPAddr()))

	if err := sup.Wait(); err != nil {
		log.Error("shutting down after failure", logx.Err(err))
		os.Exit(1)
	}
	log.Info("bot stopped")
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func twitchConfig(cfg *config.Config) twitch.Config {
	return twitch.Config{
		ClientID:      cfg.Twitch.ClientID,
		ClientSecret:  cfg.Twitch.ClientSecret,
		WebhookSecret: cfg.Twitch.WebhookSecret,
		Domain:        cfg.Twitch.Domain,
	}
}

func notifyConfig(cfg *config.Config) notify.Config {
	w, h := cfg.ThumbnailSize()
	return notify.Config{
		MinDelay:        cfg.MinDelay(),
		SendPause:       cfg.SendPause(),
		MaxCycles:       cfg.MaxCycles(),
		ThumbnailWidth:  w,
		ThumbnailHeight: h,
		OwnerChatID:     cfg.Telegram.OwnerChatID,
	}
}

func ingressConfig(cfg *config.Config) ingress.Config {
	return ingress.Config{
		Addr:         cfg.HTTPAddr(),
		ReadTimeout:  cfg.HTTPReadTimeout(),
		WriteTimeout: cfg.HTTPWriteTimeout(),
		Secret:       cfg.Twitch.WebhookSecret,
	}
}

func jobsConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		Enabled:         cfg.Jobs.Enabled,
		NameRefreshSpec: cfg.NameRefreshSpec(),
		OrphanSweepSpec: cfg.OrphanSweepSpec(),
	}
}
