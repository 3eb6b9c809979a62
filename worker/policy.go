package worker

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/wolfeidau/pwa-cache/fetch"
)

// Strategy is the caching policy chosen for an intercepted request.
type Strategy string

const (
	// StrategyBypass leaves the request to the default fetch.
	StrategyBypass Strategy = "bypass"
	// StrategyNetworkOnly fetches with storage disabled and credentials included.
	StrategyNetworkOnly Strategy = "network-only"
	// StrategyNavigation is network-first without cache writes, falling back
	// to the exact entry and then the cached root document.
	StrategyNavigation Strategy = "navigation"
	// StrategyNetworkFirst is network-first, populating the runtime namespace.
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyCacheFirst serves from cache, populating on a miss.
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFallback is network-first without cache writes.
	StrategyNetworkFallback Strategy = "network-fallback"
)

// Defaults for PolicyConfig fields left empty.
var (
	DefaultSensitivePaths = []string{"/auth/", "/rest/"}
	DefaultSensitiveHosts = []string{
		`(^|\.)supabase\.(co|in)$`,
		`(^|\.)n8n\.`,
	}
	DefaultAPISegment             = "/api/"
	DefaultNetworkFirstExtensions = []string{".js", ".mjs", ".css"}
	DefaultCacheFirstExtensions   = []string{
		".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".otf", ".eot",
	}
)

// PolicyConfig configures request classification.
type PolicyConfig struct {
	// SensitivePaths are path prefixes that are never cached.
	SensitivePaths []string
	// SensitiveHosts are host regular expressions that are never cached.
	SensitiveHosts []string
	// SensitiveRules are CEL expressions over `request`; any true result
	// marks the request sensitive.
	SensitiveRules []string
	// APISegment marks generic API requests.
	APISegment string
	// NetworkFirstExtensions are script and stylesheet extensions.
	NetworkFirstExtensions []string
	// CacheFirstExtensions are image and font extensions.
	CacheFirstExtensions []string
}

// Policy classifies intercepted requests into strategies. The checks run
// in a fixed order and the first match wins.
type Policy struct {
	origin         *url.URL
	sensitivePaths []string
	sensitiveHosts []*regexp.Regexp
	rules          []rule
	apiSegment     string
	networkFirst   map[string]bool
	cacheFirst     map[string]bool
}

type rule struct {
	source  string
	program cel.Program
}

// NewPolicy compiles cfg for the application at origin.
func NewPolicy(origin *url.URL, cfg PolicyConfig) (*Policy, error) {
	p := &Policy{
		origin:         origin,
		sensitivePaths: orDefault(cfg.SensitivePaths, DefaultSensitivePaths),
		apiSegment:     cfg.APISegment,
		networkFirst:   extSet(orDefault(cfg.NetworkFirstExtensions, DefaultNetworkFirstExtensions)),
		cacheFirst:     extSet(orDefault(cfg.CacheFirstExtensions, DefaultCacheFirstExtensions)),
	}
	if p.apiSegment == "" {
		p.apiSegment = DefaultAPISegment
	}

	for _, pattern := range orDefault(cfg.SensitiveHosts, DefaultSensitiveHosts) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling sensitive host %q: %w", pattern, err)
		}
		p.sensitiveHosts = append(p.sensitiveHosts, re)
	}

	if len(cfg.SensitiveRules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		)
		if err != nil {
			return nil, fmt.Errorf("building rule environment: %w", err)
		}
		for _, src := range cfg.SensitiveRules {
			r, err := compileRule(env, src)
			if err != nil {
				return nil, err
			}
			p.rules = append(p.rules, r)
		}
	}
	return p, nil
}

func compileRule(env *cel.Env, src string) (rule, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return rule{}, fmt.Errorf("sensitive rule: expression required")
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return rule{}, fmt.Errorf("compiling sensitive rule %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return rule{}, fmt.Errorf("sensitive rule %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	prg, err := env.Program(ast)
	if err != nil {
		return rule{}, fmt.Errorf("building sensitive rule %q: %w", src, err)
	}
	return rule{source: src, program: prg}, nil
}

// Classify returns the strategy for req.
func (p *Policy) Classify(req *fetch.Request) Strategy {
	switch {
	case !req.SameOrigin(p.origin):
		return StrategyBypass
	case p.Sensitive(req):
		return StrategyNetworkOnly
	case p.isNavigation(req):
		return StrategyNavigation
	case strings.Contains(req.URL.Path, p.apiSegment):
		return StrategyNetworkFirst
	case p.isScriptOrStyle(req):
		return StrategyNetworkFirst
	case p.isImageOrFont(req):
		return StrategyCacheFirst
	default:
		return StrategyNetworkFallback
	}
}

// Sensitive reports whether req targets authentication, REST data or a
// backend host. A rule that fails to evaluate counts as a match.
func (p *Policy) Sensitive(req *fetch.Request) bool {
	for _, prefix := range p.sensitivePaths {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return true
		}
	}
	host := strings.ToLower(req.URL.Hostname())
	for _, re := range p.sensitiveHosts {
		if re.MatchString(host) {
			return true
		}
	}
	if len(p.rules) == 0 {
		return false
	}
	vars := map[string]any{"request": requestVars(req)}
	for _, r := range p.rules {
		val, _, err := r.program.Eval(vars)
		if err != nil {
			return true
		}
		if b, ok := val.(types.Bool); !ok || bool(b) {
			return true
		}
	}
	return false
}

func (p *Policy) isNavigation(req *fetch.Request) bool {
	if req.IsNavigation() || req.URL.Path == "/" || req.URL.Path == "" {
		return true
	}
	ext := strings.ToLower(path.Ext(req.URL.Path))
	return ext == ".html" || ext == ".htm"
}

func (p *Policy) isScriptOrStyle(req *fetch.Request) bool {
	if req.Destination == fetch.DestinationScript || req.Destination == fetch.DestinationStyle {
		return true
	}
	return p.networkFirst[strings.ToLower(path.Ext(req.URL.Path))]
}

func (p *Policy) isImageOrFont(req *fetch.Request) bool {
	if req.Destination == fetch.DestinationImage || req.Destination == fetch.DestinationFont {
		return true
	}
	return p.cacheFirst[strings.ToLower(path.Ext(req.URL.Path))]
}

func requestVars(req *fetch.Request) map[string]any {
	headers := make(map[string]any, len(req.Header))
	for name := range req.Header {
		headers[strings.ToLower(name)] = req.Header.Get(name)
	}
	return map[string]any{
		"method":      req.Method,
		"url":         req.URL.String(),
		"host":        req.URL.Hostname(),
		"path":        req.URL.Path,
		"query":       req.URL.RawQuery,
		"mode":        string(req.Mode),
		"destination": string(req.Destination),
		"headers":     headers,
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func extSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[e] = true
	}
	return m
}
