package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnresolvable is the batch-fatal error for circular or dangling dependencies.
var ErrUnresolvable = errors.New("circular or unresolvable dependency")

// ErrDependencyFailed marks a task that could not run because a dependency failed.
var ErrDependencyFailed = errors.New("dependency failed")

// UnresolvableError names the tasks that can never become ready.
// Names, when set, runs parallel to TaskIDs.
type UnresolvableError struct {
	TaskIDs []string
	Names   []string
	Detail  string
}

func (e *UnresolvableError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrUnresolvable, FormatTasks(e.TaskIDs, e.Names))
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *UnresolvableError) Unwrap() error { return ErrUnresolvable }

// FormatTasks renders task IDs as a comma-separated list, adding the name in
// parentheses where it differs from the ID.
func FormatTasks(ids, names []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id
		if i < len(names) && names[i] != "" && names[i] != id {
			parts[i] = fmt.Sprintf("%s (%s)", id, names[i])
		}
	}
	return strings.Join(parts, ", ")
}
