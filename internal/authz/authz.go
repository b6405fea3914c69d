// Package authz evaluates the static route policy table. Evaluation is
// a pure function over the configured rules: first match wins, no match
// denies. It never touches the network.
package authz

import (
	"path"
	"strings"

	"github.com/apirelay/apirelay/internal/config"
)

// Reason explains an authorization decision.
type Reason int

// Decision reasons.
const (
	ReasonPermitted Reason = iota
	ReasonRouteNotFound
	ReasonUnauthorized
	ReasonForbidden
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonPermitted:
		return "permitted"
	case ReasonRouteNotFound:
		return "route_not_found"
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason

	// Rule is the matched rule, nil when no rule matched.
	Rule *Rule
}

// Rule is one immutable entry of the route policy table.
type Rule struct {
	Service       string
	Methods       map[string]struct{}
	PathPrefix    string
	RequiresAuth  bool
	RequiredRoles []string
}

// Authorizer evaluates (service, method, path) triples against the
// policy table loaded at startup.
type Authorizer struct {
	rules    map[string][]*Rule
	services map[string]struct{}
}

// New builds an authorizer from the configured rules and service names.
// Rule order within a service follows configuration order.
func New(rules []config.RouteRule, services []config.ServiceConfig) *Authorizer {
	a := &Authorizer{
		rules:    make(map[string][]*Rule),
		services: make(map[string]struct{}),
	}

	for _, svc := range services {
		a.services[svc.Name] = struct{}{}
	}

	for _, rc := range rules {
		rule := &Rule{
			Service:       rc.Service,
			Methods:       make(map[string]struct{}, len(rc.Methods)),
			PathPrefix:    rc.PathPrefix,
			RequiresAuth:  rc.RequiresAuth,
			RequiredRoles: append([]string(nil), rc.RequiredRoles...),
		}
		for _, m := range rc.Methods {
			rule.Methods[strings.ToUpper(m)] = struct{}{}
		}
		a.rules[rc.Service] = append(a.rules[rc.Service], rule)
	}

	return a
}

// Authorize decides whether the request is permitted. The principal may
// be nil for anonymous requests.
func (a *Authorizer) Authorize(service, method, requestPath string, principal *Principal) Decision {
	if _, known := a.services[service]; !known {
		return Decision{Reason: ReasonRouteNotFound}
	}

	method = strings.ToUpper(method)
	normalized := normalizePath(requestPath)

	for _, rule := range a.rules[service] {
		if !strings.HasPrefix(normalized, rule.PathPrefix) {
			continue
		}
		if _, ok := rule.Methods[method]; !ok {
			continue
		}

		if !rule.RequiresAuth {
			return Decision{Allowed: true, Reason: ReasonPermitted, Rule: rule}
		}
		if principal == nil {
			return Decision{Reason: ReasonUnauthorized, Rule: rule}
		}
		if len(rule.RequiredRoles) > 0 && !principal.HasAnyRole(rule.RequiredRoles...) {
			return Decision{Reason: ReasonForbidden, Rule: rule}
		}
		return Decision{Allowed: true, Reason: ReasonPermitted, Rule: rule}
	}

	return Decision{Reason: ReasonRouteNotFound}
}

// normalizePath collapses dot segments and strips any trailing slash so
// prefix matching cannot be bypassed with path tricks.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
