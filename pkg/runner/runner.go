package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

// Runner drives a service's lifecycle from start to drained stop.
type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks attach service start/stop work to the lifecycle.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight calls before the process exits.
type Drainer interface {
	Drain() error
}

const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"VOCA\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
