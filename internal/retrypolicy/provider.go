// SPDX-License-Identifier: MIT

package retrypolicy

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/harmonyhub/harmony/internal/log"
)

// Options configures a Provider.
type Options struct {
	// Defaults is the baseline policy, already merged with the RETRY_*
	// global environment overrides by the configuration loader.
	Defaults Policy

	// Types lists the job types scanned for RETRY_<TYPE>_* environment
	// overrides on each reload.
	Types []string

	// File is an optional YAML policy file. Entries in the file take
	// precedence over environment overrides.
	File string

	// TTL bounds snapshot age. A snapshot older than TTL is rebuilt on
	// the next Get; zero or negative reloads on every Get.
	TTL time.Duration
}

type snapshot struct {
	defaults Policy
	perType  map[string]Policy
	loadedAt time.Time
}

// Provider serves retry policies from a cached snapshot. Reads always see
// one consistent snapshot; reloads swap the whole snapshot under the lock.
type Provider struct {
	opts   Options
	logger zerolog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// New creates a Provider. The first Get builds the initial snapshot.
func New(opts Options) *Provider {
	return &Provider{
		opts:   opts,
		logger: log.WithComponent("retrypolicy"),
	}
}

// Get returns the policy for jobType, falling back to the defaults for
// unknown types.
func (p *Provider) Get(jobType string) Policy {
	snap := p.current()
	if pol, ok := snap.perType[jobType]; ok {
		return pol
	}
	return snap.defaults
}

// Invalidate discards the cached snapshot so the next Get reloads. Wired
// to SIGHUP and to the policy file watcher.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.snap = nil
	p.mu.Unlock()
	p.logger.Debug().Str("event", "retrypolicy.invalidated").Msg("policy snapshot invalidated")
}

func (p *Provider) current() *snapshot {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if snap != nil && p.opts.TTL > 0 && time.Since(snap.loadedAt) < p.opts.TTL {
		return snap
	}
	return p.reload()
}

func (p *Provider) reload() *snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have reloaded while we waited for the lock.
	if p.snap != nil && p.opts.TTL > 0 && time.Since(p.snap.loadedAt) < p.opts.TTL {
		return p.snap
	}

	next := p.build()
	p.snap = next

	p.logger.Debug().
		Str("event", "retrypolicy.reloaded").
		Int("types", len(next.perType)).
		Msg("policy snapshot reloaded")

	return next
}

// build merges the policy layers in increasing precedence: defaults,
// per-type environment overrides, then the YAML file.
func (p *Provider) build() *snapshot {
	snap := &snapshot{
		defaults: p.opts.Defaults,
		perType:  make(map[string]Policy, len(p.opts.Types)),
	}

	for _, t := range p.opts.Types {
		snap.perType[t] = applyEnvOverrides(t, p.opts.Defaults)
	}

	if p.opts.File != "" {
		if err := p.mergeFile(snap); err != nil {
			p.logger.Error().
				Err(err).
				Str("event", "retrypolicy.file_error").
				Str("path", p.opts.File).
				Msg("policy file unusable, serving environment-derived policies")
		}
	}

	snap.loadedAt = time.Now()
	return snap
}

func applyEnvOverrides(jobType string, base Policy) Policy {
	prefix := "RETRY_" + strings.ToUpper(jobType) + "_"
	if v, ok := envInt(prefix + "MAX_ATTEMPTS"); ok {
		base.MaxAttempts = v
	}
	if v, ok := envFloat(prefix + "BASE_S"); ok {
		base.Base = time.Duration(v * float64(time.Second))
	}
	if v, ok := envFloat(prefix + "JITTER_PCT"); ok {
		base.JitterPct = v
	}
	if v, ok := envFloat(prefix + "TIMEOUT_S"); ok {
		base.Timeout = time.Duration(v * float64(time.Second))
	}
	return base
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// policyFile is the on-disk override format. All fields are optional;
// absent fields keep the value from the lower layers.
type policyFile struct {
	Defaults *filePolicy           `yaml:"defaults"`
	Types    map[string]filePolicy `yaml:"types"`
}

type filePolicy struct {
	MaxAttempts    *int     `yaml:"max_attempts"`
	BaseSeconds    *float64 `yaml:"base_seconds"`
	JitterPct      *float64 `yaml:"jitter_pct"`
	TimeoutSeconds *float64 `yaml:"timeout_seconds"`
}

func (p *Provider) mergeFile(snap *snapshot) error {
	data, err := os.ReadFile(p.opts.File)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	if pf.Defaults != nil {
		snap.defaults = pf.Defaults.apply(snap.defaults)
		// File defaults flow into every type not already pinned by an
		// explicit per-type section below.
		for t, pol := range snap.perType {
			snap.perType[t] = pf.Defaults.apply(pol)
		}
	}
	for t, fp := range pf.Types {
		base, ok := snap.perType[t]
		if !ok {
			base = snap.defaults
		}
		snap.perType[t] = fp.apply(base)
	}
	return nil
}

func (fp filePolicy) apply(base Policy) Policy {
	if fp.MaxAttempts != nil {
		base.MaxAttempts = *fp.MaxAttempts
	}
	if fp.BaseSeconds != nil {
		base.Base = time.Duration(*fp.BaseSeconds * float64(time.Second))
	}
	if fp.JitterPct != nil {
		base.JitterPct = *fp.JitterPct
	}
	if fp.TimeoutSeconds != nil {
		base.Timeout = time.Duration(*fp.TimeoutSeconds * float64(time.Second))
	}
	return base
}
