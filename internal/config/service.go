package config

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Service serves the current config and, when dynamic config is enabled,
// reloads it from disk in the background. A failed reload keeps the
// previous config.
type Service struct {
	current atomic.Pointer[Config]

	path     string
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService starts serving cfg.
func NewService(cfg Config) *Service {
	s := &Service{
		path:     cfg.DynamicConfig.Path,
		interval: cfg.DynamicConfig.RefreshInterval,
		stopCh:   make(chan struct{}),
	}
	s.current.Store(&cfg)

	if cfg.DynamicConfig.Enabled && s.path != "" && s.interval > 0 {
		s.wg.Add(1)
		go s.refreshLoop()
	}
	return s
}

// Current returns the latest config. The returned value must not be mutated.
func (s *Service) Current() *Config {
	return s.current.Load()
}

// TenantConfig returns the latest config with the tenant's overrides.
func (s *Service) TenantConfig(id string) Config {
	return s.Current().ForTenant(id)
}

// Refresh reloads the config file once.
func (s *Service) Refresh() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}

// Shutdown stops background refreshing and waits for it to exit.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Refresh(); err != nil {
				log.Printf("[CONFIG] Refresh of %s failed, keeping previous config: %v", s.path, err)
			}
		}
	}
}
