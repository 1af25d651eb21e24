/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodepool/tokenbudget/internal/allocator"
	"github.com/nodepool/tokenbudget/internal/config"
	"github.com/nodepool/tokenbudget/internal/httpapi"
	"github.com/nodepool/tokenbudget/internal/logging"
	"github.com/nodepool/tokenbudget/internal/metrics"
	"github.com/nodepool/tokenbudget/internal/ratelimit"
	"github.com/nodepool/tokenbudget/internal/seed"
	"github.com/nodepool/tokenbudget/internal/store"
	"github.com/nodepool/tokenbudget/internal/strategy"
)

func main() {
	cfg, err := config.Resolve()
	if err != nil {
		panic(fmt.Sprintf("resolving configuration, %s", err.Error()))
	}

	zl, log := logging.New(cfg.Development)
	defer zl.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Dialect() {
	case config.DialectPostgres:
		st, err = store.NewPostgresStore(ctx, cfg.DatabaseURL,
			cfg.DBPoolSize, cfg.DBMaxOverflow, time.Duration(cfg.DBPoolTimeout)*time.Second)
		if err != nil {
			panic(fmt.Sprintf("opening postgres store, %s", err.Error()))
		}
	default:
		log.Info("starting with in-memory store", "dialect", "memory")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	if err := seed.Run(ctx, st, cfg.Nodes, cfg.NodeBudget); err != nil {
		panic(fmt.Sprintf("seeding nodes, %s", err.Error()))
	}

	stratReg := strategy.NewRegistry(cfg.AllocStrategy)
	alloc := allocator.New(st, stratReg, func() float64 { return cfg.LargeThreshold() }, cfg.AllocRetryMax)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRPS, 10*time.Minute, cfg.RateLimitMaxKeys)
	}

	m := metrics.New()
	srv := httpapi.New(alloc, st, stratReg, limiter, m, log)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", "port", cfg.Port, "dialect", string(cfg.Dialect()), "strategy", string(cfg.AllocStrategy))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "graceful shutdown failed")
	}
}
