package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/apirelay/apirelay/internal/util"
)

// knownMethods holds the HTTP methods accepted in route rules.
var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"PATCH": true, "DELETE": true, "OPTIONS": true,
}

// Validate checks the configuration for structural errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	services := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return util.NewConfigError(fmt.Sprintf("services[%d].name", i), "service name is required")
		}
		if services[svc.Name] {
			return util.NewConfigError(fmt.Sprintf("services[%d].name", i),
				fmt.Sprintf("duplicate service %q", svc.Name))
		}
		services[svc.Name] = true

		if len(svc.Endpoints) == 0 {
			return util.NewConfigError(fmt.Sprintf("services[%d].endpoints", i),
				fmt.Sprintf("service %q has no endpoints", svc.Name))
		}
		for j, ep := range svc.Endpoints {
			if err := validateEndpoint(ep, i, j); err != nil {
				return err
			}
		}
	}

	for i, rule := range cfg.Routes {
		if rule.Service == "" {
			return util.NewConfigError(fmt.Sprintf("routes[%d].service", i), "service is required")
		}
		if !services[rule.Service] {
			return util.NewConfigError(fmt.Sprintf("routes[%d].service", i),
				fmt.Sprintf("unknown service %q", rule.Service))
		}
		if !strings.HasPrefix(rule.PathPrefix, "/") {
			return util.NewConfigError(fmt.Sprintf("routes[%d].pathPrefix", i),
				"path prefix must start with /")
		}
		for _, m := range rule.Methods {
			if !knownMethods[strings.ToUpper(m)] {
				return util.NewConfigError(fmt.Sprintf("routes[%d].methods", i),
					fmt.Sprintf("unknown method %q", m))
			}
		}
	}

	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		return util.NewConfigError("auth.secret", "secret is required when auth is enabled")
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond <= 0 {
		return util.NewConfigError("rateLimit.requestsPerSecond", "must be positive")
	}

	if cfg.Cache.Redis.TTLJitter < 0 || cfg.Cache.Redis.TTLJitter > 1 {
		return util.NewConfigError("cache.redis.ttlJitter", "must be between 0 and 1")
	}

	if cfg.Resilience.MaxRetries < 0 {
		return util.NewConfigError("resilience.maxRetries", "must not be negative")
	}

	return nil
}

func validateEndpoint(ep EndpointConfig, svcIdx, epIdx int) error {
	field := fmt.Sprintf("services[%d].endpoints[%d]", svcIdx, epIdx)

	if ep.Name == "" {
		return util.NewConfigError(field+".name", "endpoint name is required")
	}

	u, err := url.Parse(ep.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return util.NewConfigError(field+".url",
			fmt.Sprintf("invalid endpoint URL %q", ep.URL))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return util.NewConfigError(field+".url",
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	return nil
}
