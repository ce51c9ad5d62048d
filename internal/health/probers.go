package health

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/agent"
)

// StaleProber fails an agent whose last metrics sample is older than
// StaleAfter. A zero StaleAfter disables the check.
type StaleProber struct {
	StaleAfter time.Duration
	Now        func() time.Time
}

// Probe implements Prober.
func (p StaleProber) Probe(_ context.Context, a agent.Agent) error {
	if p.StaleAfter <= 0 {
		return nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if age := now().Sub(a.LastUpdated); age > p.StaleAfter {
		return fmt.Errorf("no metrics from %s for %s", a.ID, age.Round(time.Millisecond))
	}
	return nil
}
