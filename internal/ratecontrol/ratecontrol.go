package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Backend names the downstream capacities the scheduler must respect.
const (
	BackendSemantic   = "semantic"
	BackendGraph      = "graph"
	BackendKeyword    = "keyword"
	BackendModel      = "model"
	BackendEmbeddings = "embeddings"
)

type fileConfig struct {
	Backends map[string]struct {
		RPM   int `yaml:"rpm"`
		Burst int `yaml:"burst"`
	} `yaml:"backends"`
}

// builtin limits applied when the config file does not name a backend
var builtinRPM = map[string]int{
	BackendSemantic:   240,
	BackendGraph:      600,
	BackendKeyword:    600,
	BackendModel:      60,
	BackendEmbeddings: 120,
}

// Controller hands out per-backend token-bucket limiters so concurrent tasks
// collectively stay inside each index's and the model service's rate limits.
type Controller struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      map[string]int
	logger   *zap.Logger
}

// New builds a controller from the built-in limits.
func New(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpm := make(map[string]int, len(builtinRPM))
	for k, v := range builtinRPM {
		rpm[k] = v
	}
	return &Controller{
		limiters: make(map[string]*rate.Limiter),
		rpm:      rpm,
		logger:   logger,
	}
}

// NewFromFile overlays limits from a yaml file onto the built-ins. A missing
// file is not an error; the built-ins apply.
func NewFromFile(path string, logger *zap.Logger) *Controller {
	c := New(logger)
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return c
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("rate limit config unreadable, using built-ins", zap.String("path", path), zap.Error(err))
		return c
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		c.logger.Warn("rate limit config unparseable, using built-ins", zap.String("path", path), zap.Error(err))
		return c
	}
	for name, b := range cfg.Backends {
		if b.RPM > 0 {
			c.rpm[strings.ToLower(name)] = b.RPM
		}
	}
	c.logger.Info("loaded rate limit configuration", zap.String("path", path))
	return c
}

func findConfig() string {
	if p := os.Getenv("BACKENDS_CONFIG_PATH"); p != "" {
		return p
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "backends.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand
		}
		wd = filepath.Dir(wd)
	}
	return ""
}

// Wait blocks until the backend's limiter grants a slot or ctx is done.
// Unknown backends are not limited.
func (c *Controller) Wait(ctx context.Context, backend string) error {
	l := c.limiter(strings.ToLower(backend))
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Allow reports without blocking whether a slot is available now.
func (c *Controller) Allow(backend string) bool {
	l := c.limiter(strings.ToLower(backend))
	if l == nil {
		return true
	}
	return l.Allow()
}

func (c *Controller) limiter(backend string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[backend]; ok {
		return l
	}
	rpm, ok := c.rpm[backend]
	if !ok || rpm <= 0 {
		return nil
	}
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	c.limiters[backend] = l
	return l
}
