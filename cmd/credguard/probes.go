package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ericfisherdev/credguard/internal/adapter/driven/provider"
	"github.com/ericfisherdev/credguard/internal/application"
	"github.com/ericfisherdev/credguard/internal/config"
	"github.com/ericfisherdev/credguard/internal/domain/model"
	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
)

const (
	providerOAuth2 = "oauth2"
	providerGitHub = "github"
)

// buildProbes registers the built-in providers plus every provider named in
// the config file.
func buildProbes(cfg *config.Config, logger *slog.Logger) *application.ProbeProvider {
	return application.NewProbeProvider(probeSet(cfg, logger))
}

func probeSet(cfg *config.Config, logger *slog.Logger) map[string]driven.ProviderProbe {
	// The deadline guard bounds each probe; this only stops leaked
	// connections from living forever.
	httpClient := &http.Client{Timeout: 2 * cfg.ProbeTimeout}

	probes := map[string]driven.ProviderProbe{
		providerOAuth2: newOAuthProbe(httpClient, cfg.Providers[providerOAuth2]),
		providerGitHub: provider.NewGitHubProbe(),
	}
	for name, pc := range cfg.Providers {
		if name == providerOAuth2 || name == providerGitHub {
			continue
		}
		probes[name] = newOAuthProbe(httpClient, pc)
		logger.Info("provider registered", "provider", name, "token_path", pc.TokenPath)
	}
	return probes
}

// reloadProbes re-reads the configuration and swaps the registered probes
// in place. Providers no longer configured are unregistered. On error the
// current probes stay in service.
func reloadProbes(probes *application.ProbeProvider, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("reload providers: %w", err)
	}

	next := probeSet(cfg, logger)
	for _, name := range probes.Names() {
		if _, ok := next[name]; !ok {
			probes.Replace(name, nil)
			logger.Info("provider unregistered", "provider", name)
		}
	}
	for name, probe := range next {
		probes.Replace(name, probe)
	}

	logger.Info("providers reloaded", "providers", probes.Names(), "config_file", cfg.File)
	return nil
}

// watchReload reloads the probes each time a signal arrives on sig until ctx
// is done.
func watchReload(ctx context.Context, sig <-chan os.Signal, probes *application.ProbeProvider, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := reloadProbes(probes, logger); err != nil {
				logger.Error("provider reload failed", "error", err)
			}
		}
	}
}

func newOAuthProbe(httpClient *http.Client, pc config.ProviderConfig) *provider.OAuthProbe {
	var opts []provider.OAuthOption
	if pc.TokenPath != "" {
		opts = append(opts, provider.WithTokenPath(pc.TokenPath))
	}
	for env, baseURL := range pc.BaseURLs {
		opts = append(opts, provider.WithDefaultBaseURL(model.Environment(env), baseURL))
	}
	return provider.NewOAuthProbe(httpClient, opts...)
}
