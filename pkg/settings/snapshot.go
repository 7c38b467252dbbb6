package settings

import (
	"slices"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/runs"
)

// Defaults applied when a key is absent from the settings source.
const (
	DefaultBootstrap            = "http://bootstrap"
	DefaultMaxEngines           = 1
	DefaultEngineLabel          = "standard-engine"
	DefaultEngineImage          = "test-engine:latest"
	DefaultEngineMemory         = 300 * mib
	DefaultMemoryLimitHeadroom  = 100 * mib
	DefaultRunPoll              = 20 * time.Second
	DefaultRunPollRecheck       = 5 * time.Second
	DefaultEngineCreateAttempts = 10
	DefaultAllocationTimeout    = 15 * time.Minute
	DefaultAffinityWeight       = 50

	mib = 1024 * 1024
)

// Snapshot is one immutable view of the controller settings. A reload
// replaces the whole snapshot; it is never modified after publication.
type Snapshot struct {
	Bootstrap            string
	MaxEngines           int
	EngineLabel          string
	EngineImage          string
	EngineCommand        []string
	EngineMemory         int64
	EngineMemoryRequest  int64
	EngineMemoryLimit    int64
	EngineNetwork        string
	RunPoll              time.Duration
	RunPollRecheck       time.Duration
	ScheduledRequestors  []string
	RequiredCapabilities []string
	CapableCapabilities  []string
	NodeArch             string
	NodePreferred        *Affinity
	EngineCreateAttempts int
	AllocationTimeout    time.Duration
}

// Affinity is a preferred node label for worker placement.
type Affinity struct {
	Key    string
	Value  string
	Weight int32
}

// Defaults returns the snapshot used before anything is loaded.
func Defaults() *Snapshot {
	return &Snapshot{
		Bootstrap:            DefaultBootstrap,
		MaxEngines:           DefaultMaxEngines,
		EngineLabel:          DefaultEngineLabel,
		EngineImage:          DefaultEngineImage,
		EngineMemory:         DefaultEngineMemory,
		EngineMemoryRequest:  DefaultEngineMemory,
		EngineMemoryLimit:    DefaultEngineMemory + DefaultMemoryLimitHeadroom,
		RunPoll:              DefaultRunPoll,
		RunPollRecheck:       DefaultRunPollRecheck,
		EngineCreateAttempts: DefaultEngineCreateAttempts,
		AllocationTimeout:    DefaultAllocationTimeout,
	}
}

// Accepts reports whether this controller should schedule run.
//
// Capability matching is provisional. A run is accepted when every
// capability it asks for is one this controller has, and it asks for
// every capability this controller requires. A non-empty requestor list
// further restricts the runs to those requestors.
func (s *Snapshot) Accepts(run *runs.Run) bool {
	if len(s.ScheduledRequestors) > 0 && !slices.Contains(s.ScheduledRequestors, run.Requestor) {
		return false
	}

	for _, c := range run.Capabilities {
		if !slices.Contains(s.CapableCapabilities, c) && !slices.Contains(s.RequiredCapabilities, c) {
			return false
		}
	}

	for _, c := range s.RequiredCapabilities {
		if !slices.Contains(run.Capabilities, c) {
			return false
		}
	}

	return true
}
