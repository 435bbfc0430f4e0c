package metrics

import (
	"os"
	"sync"

	"github.com/iidesho/bragi/sbragi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	log      = sbragi.WithLocalScope(sbragi.LevelInfo)
	Registry *prometheus.Registry
)

// Init creates the registry. Collectors created before Init register on first
// use after it, and record nothing until then.
func Init() {
	Registry = prometheus.NewRegistry()
}

// Push sends the current registry to a Prometheus push gateway.
func Push(url, job string) error {
	if Registry == nil {
		return nil
	}
	pusher := push.New(url, job).Gatherer(Registry)
	hn, err := os.Hostname()
	if !log.WithError(err).Error("getting hostname for metrics push") {
		pusher = pusher.Grouping("instance", hn)
	}
	return pusher.Push()
}

type CounterVec struct {
	opts   prometheus.CounterOpts
	labels []string
	lock   sync.Mutex
	vec    *prometheus.CounterVec
}

func NewCounterVec(name, help string, labels ...string) *CounterVec {
	return &CounterVec{
		opts: prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels: labels,
	}
}

func (c *CounterVec) Add(v float64, labelValues ...string) {
	vec := c.get()
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues...).Add(v)
}

func (c *CounterVec) Inc(labelValues ...string) {
	c.Add(1, labelValues...)
}

func (c *CounterVec) get() *prometheus.CounterVec {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.vec != nil || Registry == nil {
		return c.vec
	}
	vec := prometheus.NewCounterVec(c.opts, c.labels)
	if log.WithError(Registry.Register(vec)).Error("registering counter", "name", c.opts.Name) {
		return nil
	}
	c.vec = vec
	return vec
}

type GaugeVec struct {
	opts   prometheus.GaugeOpts
	labels []string
	lock   sync.Mutex
	vec    *prometheus.GaugeVec
}

func NewGaugeVec(name, help string, labels ...string) *GaugeVec {
	return &GaugeVec{
		opts: prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels: labels,
	}
}

func (g *GaugeVec) Set(v float64, labelValues ...string) {
	vec := g.get()
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues...).Set(v)
}

func (g *GaugeVec) get() *prometheus.GaugeVec {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.vec != nil || Registry == nil {
		return g.vec
	}
	vec := prometheus.NewGaugeVec(g.opts, g.labels)
	if log.WithError(Registry.Register(vec)).Error("registering gauge", "name", g.opts.Name) {
		return nil
	}
	g.vec = vec
	return vec
}
