package backend

import "time"

// Request is one task execution handed to an agent.
type Request struct {
	TaskID       string
	Name         string
	Description  string
	AgentID      string
	Technologies []string
}

// Response is what the agent produced for a request.
type Response struct {
	Output string
}

// Config defines the configuration for a backend.
type Config struct {
	Type    string        // "command" or "echo"
	Command string        // Binary to run for "command" backends
	Args    []string      // Arguments appended to Command
	WorkDir string        // Working directory for "command" backends
	Env     []string      // Extra KEY=VALUE entries for "command" backends
	Delay   time.Duration // Simulated latency for "echo" backends
}
