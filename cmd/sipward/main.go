package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipward/sipward/config"
	"github.com/sipward/sipward/dialog"
	"github.com/sipward/sipward/store"
	"github.com/sipward/sipward/transaction"
	"github.com/sipward/sipward/transport"
	"github.com/sipward/sipward/tu"
)

const (
	exitOK = iota
	exitConfig
	exitStore
	exitBind
)

func main() {
	debflag := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(exitConfig)
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		log.Logger = log.Logger.Level(lvl)
	}
	if *debflag {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	switch flag.Arg(0) {
	case "serve", "":
		os.Exit(serve(cfg))
	case "migrate":
		os.Exit(migrate(cfg))
	default:
		fmt.Fprintf(os.Stderr, "usage: sipward [serve|migrate]\n")
		os.Exit(exitConfig)
	}
}

func migrate(cfg *config.Config) int {
	ctx := context.Background()
	if cfg.DatabaseURL == "" {
		log.Error().Msg("DATABASE_URL is required for migrate")
		return exitConfig
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("store connection failed")
		return exitStore
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("migrations failed")
		return exitStore
	}
	log.Info().Msg("migrations applied")
	return exitOK
}

func serve(cfg *config.Config) int {
	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error().Err(err).Msg("store connection failed")
			return exitStore
		}
		st = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, using volatile in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	transaction.SetTimers(cfg.T1, 4*time.Second, 5*time.Second)

	laddr, err := net.ResolveUDPAddr("udp", cfg.BindAddress)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.BindAddress).Msg("invalid bind address")
		return exitBind
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.BindAddress).Msg("bind failed")
		return exitBind
	}

	tp := transport.NewUDP()
	txl := transaction.NewLayer(tp.Send, st)
	dialogs := dialog.NewLayer(st)
	tu.New(cfg, txl, dialogs, st)

	go httpServer(cfg.HTTPAddress)

	done := make(chan error, 1)
	go func() {
		done <- tp.Serve(conn, txl.HandleMessage)
	}()
	log.Info().Str("addr", cfg.BindAddress).Str("realm", cfg.Realm).Msg("sipward listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
		// Stop taking new datagrams first, then terminate the live machines.
		if err := tp.Close(); err != nil {
			log.Warn().Err(err).Msg("transport close failed")
		}
		txl.Close()
		<-done
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("transport serve failed")
			txl.Close()
			return exitBind
		}
	}
	return exitOK
}

func httpServer(address string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("Alive"))
	})

	log.Info().Msgf("Http server started address=%s", address)
	if err := http.ListenAndServe(address, nil); err != nil {
		log.Warn().Err(err).Msg("http server stopped")
	}
}
