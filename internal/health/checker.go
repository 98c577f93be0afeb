package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one checked dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database or http
	CheckResult
}

// Pinger is implemented by the durable conversation stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker probes the conversation store and, optionally, upstream provider
// endpoints. A store failure makes the service unhealthy; an unreachable
// upstream only degrades it.
type Checker struct {
	mu         sync.RWMutex
	components []Component

	store     Pinger
	storeName string
	upstreams map[string]string
	client    *http.Client

	dbTimeout          time.Duration
	maxDatabaseLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	Store     Pinger
	StoreName string
	Upstreams map[string]string // name => base URL

	DBTimeout          time.Duration
	HTTPTimeout        time.Duration
	MaxDatabaseLatency time.Duration
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	if cfg.StoreName == "" {
		cfg.StoreName = "conversation_store"
	}
	return &Checker{
		store:              cfg.Store,
		storeName:          cfg.StoreName,
		upstreams:          cfg.Upstreams,
		client:             &http.Client{Timeout: cfg.HTTPTimeout},
		dbTimeout:          cfg.DBTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check runs every probe concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.upstreams)+1)

	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkStore(ctx)
		}()
	}
	for name, url := range c.upstreams {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, name, url)
		}(name, url)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()
	return calculateOverallStatus(components)
}

func (c *Checker) checkStore(ctx context.Context) Component {
	comp := Component{Name: c.storeName, Type: "database", CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	err := c.store.Ping(pingCtx)
	comp.Latency = time.Since(start)
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case comp.Latency > c.maxDatabaseLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkHTTPEndpoint treats any HTTP response, even 4xx/5xx, as reachable.
func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{Name: name, Type: "http", CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}
	resp, err := c.client.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	resp.Body.Close()
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func calculateOverallStatus(components []Component) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch {
		case comp.Status == StatusUnhealthy && comp.Type == "database":
			overall = StatusUnhealthy
		case comp.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return HealthStatus{Status: overall, Timestamp: time.Now(), Components: components}
}

// HealthStatus is the overall health of the service.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// LastStatus returns the result of the previous Check without probing again.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return calculateOverallStatus(c.components)
}
