package application

import (
	"slices"
	"sync"

	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
)

// ProbeProvider maps provider names to their probes. The serve command
// replaces them in place when the configuration is reloaded.
type ProbeProvider struct {
	mu     sync.RWMutex
	probes map[string]driven.ProviderProbe
}

// NewProbeProvider creates a provider pre-populated with probes.
func NewProbeProvider(probes map[string]driven.ProviderProbe) *ProbeProvider {
	p := &ProbeProvider{probes: make(map[string]driven.ProviderProbe, len(probes))}
	for name, probe := range probes {
		if probe != nil {
			p.probes[name] = probe
		}
	}
	return p
}

// Get returns the probe registered for name.
func (p *ProbeProvider) Get(name string) (driven.ProviderProbe, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	probe, ok := p.probes[name]
	return probe, ok
}

// Replace registers probe under name, swapping out any previous one. A nil
// probe unregisters the name.
func (p *ProbeProvider) Replace(name string, probe driven.ProviderProbe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if probe == nil {
		delete(p.probes, name)
		return
	}
	p.probes[name] = probe
}

// Names returns the registered provider names in sorted order.
func (p *ProbeProvider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.probes))
	for name := range p.probes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
