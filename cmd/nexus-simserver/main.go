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

	"go.uber.org/zap"

	"github.com/spectrial01/projext-nexusv2/internal/simserver"
	"github.com/spectrial01/projext-nexusv2/libs/logging"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	secret := flag.String("secret", "dev-secret", "HS256 secret for bearer tokens")
	mintToken := flag.String("mint-token", "", "mint a dev token for the given unit and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of minted tokens")
	flag.Parse()

	tokens, err := simserver.NewTokenService(*secret)
	if err != nil {
		panic(err)
	}

	if *mintToken != "" {
		token, err := tokens.Mint(*mintToken, *tokenTTL)
		if err != nil {
			panic(err)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.NewLogger("nexus-simserver")
	if err != nil {
		panic(err)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := simserver.New(tokens, logger)
	mux := http.NewServeMux()
	server.Routes(mux)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("simserver listening", zap.String("addr", *addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown failed", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("simserver stopped with error", zap.Error(err))
		}
	}
}
