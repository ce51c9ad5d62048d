package orchestrator

import (
	"errors"
	"fmt"

	"github.com/aristath/swarm/internal/scheduler"
)

// ErrStarvation is returned when pending tasks stop making progress because no
// eligible agent takes them.
var ErrStarvation = errors.New("batch starved")

// StarvationError names the tasks still pending when the batch gave up.
type StarvationError struct {
	TaskIDs []string
	Names   []string
	Waves   int
}

func (e *StarvationError) Error() string {
	return fmt.Sprintf("%s after %d waves: %s", ErrStarvation, e.Waves, scheduler.FormatTasks(e.TaskIDs, e.Names))
}

func (e *StarvationError) Unwrap() error { return ErrStarvation }
