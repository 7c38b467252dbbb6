package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// Recognised settings keys.
const (
	KeyBootstrap             = "bootstrap"
	KeyMaxEngines            = "max_engines"
	KeyEngineLabel           = "engine_label"
	KeyEngineImage           = "engine_image"
	KeyEngineCommand         = "engine_command"
	KeyEngineMemory          = "engine_memory"
	KeyEngineMemoryRequest   = "engine_memory_request"
	KeyEngineMemoryLimit     = "engine_memory_limit"
	KeyEngineNetwork         = "engine_network"
	KeyRunPoll               = "run_poll"
	KeyRunPollRecheck        = "run_poll_recheck"
	KeyScheduledRequestors   = "scheduled_requestors"
	KeyEngineCapabilities    = "engine_capabilities"
	KeyNodeArch              = "node_arch"
	KeyNodePreferredAffinity = "node_preferred_affinity"
	KeyEngineCreateAttempts  = "engine_create_attempts"
	KeyAllocationTimeout     = "allocation_timeout"
)

// parser resolves each key independently. An absent key takes its
// default; an unparsable one keeps the previous value.
type parser struct {
	log    logrus.FieldLogger
	values map[string]string
}

func (p *parser) lookup(key string) (string, bool) {
	v, ok := p.values[key]
	if !ok {
		return "", false
	}

	v = strings.TrimSpace(v)

	return v, v != ""
}

func (p *parser) invalid(key, raw string, err error, fallback any) {
	p.log.WithError(err).WithFields(logrus.Fields{
		"key":      key,
		"value":    raw,
		"fallback": fallback,
	}).Warn("Invalid setting, keeping previous value")
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}

	return def
}

func (p *parser) int(key string, def, prev, floor int) int {
	raw, ok := p.lookup(key)
	if !ok {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err == nil && n < floor {
		err = fmt.Errorf("must be at least %d", floor)
	}

	if err != nil {
		p.invalid(key, raw, err, prev)

		return prev
	}

	return n
}

func (p *parser) seconds(key string, def, prev time.Duration, floor int) time.Duration {
	n := p.int(key, int(def/time.Second), int(prev/time.Second), floor)

	return time.Duration(n) * time.Second
}

func (p *parser) memory(key string, def, prev int64) int64 {
	raw, ok := p.lookup(key)
	if !ok {
		return def
	}

	n, err := parseMemory(raw)
	if err != nil {
		p.invalid(key, raw, err, prev)

		return prev
	}

	return n
}

func (p *parser) list(key string) []string {
	raw, ok := p.lookup(key)
	if !ok {
		return nil
	}

	return splitList(raw)
}

func (p *parser) command(key string, prev []string) []string {
	raw, ok := p.lookup(key)
	if !ok {
		return nil
	}

	args, err := shlex.Split(raw)
	if err != nil {
		p.invalid(key, raw, err, prev)

		return prev
	}

	return args
}

func (p *parser) affinity(key string, prev *Affinity) *Affinity {
	raw, ok := p.lookup(key)
	if !ok {
		return nil
	}

	k, v, found := strings.Cut(raw, "=")
	k, v = strings.TrimSpace(k), strings.TrimSpace(v)

	if !found || k == "" || v == "" {
		p.invalid(key, raw, fmt.Errorf("expected key=value"), prev)

		return prev
	}

	return &Affinity{Key: k, Value: v, Weight: DefaultAffinityWeight}
}

// parse builds the next snapshot from raw values, using prev for
// per-field fallback.
func parse(log logrus.FieldLogger, values map[string]string, prev *Snapshot) *Snapshot {
	p := &parser{log: log, values: values}

	next := &Snapshot{
		Bootstrap:            p.str(KeyBootstrap, DefaultBootstrap),
		MaxEngines:           p.int(KeyMaxEngines, DefaultMaxEngines, prev.MaxEngines, 0),
		EngineLabel:          p.str(KeyEngineLabel, DefaultEngineLabel),
		EngineImage:          p.str(KeyEngineImage, DefaultEngineImage),
		EngineCommand:        p.command(KeyEngineCommand, prev.EngineCommand),
		EngineMemory:         p.memory(KeyEngineMemory, DefaultEngineMemory, prev.EngineMemory),
		EngineNetwork:        p.str(KeyEngineNetwork, ""),
		RunPoll:              p.seconds(KeyRunPoll, DefaultRunPoll, prev.RunPoll, 1),
		RunPollRecheck:       p.seconds(KeyRunPollRecheck, DefaultRunPollRecheck, prev.RunPollRecheck, 0),
		ScheduledRequestors:  p.list(KeyScheduledRequestors),
		NodeArch:             p.str(KeyNodeArch, ""),
		NodePreferred:        p.affinity(KeyNodePreferredAffinity, prev.NodePreferred),
		EngineCreateAttempts: p.int(KeyEngineCreateAttempts, DefaultEngineCreateAttempts, prev.EngineCreateAttempts, 1),
		AllocationTimeout:    p.seconds(KeyAllocationTimeout, DefaultAllocationTimeout, prev.AllocationTimeout, 1),
	}

	next.EngineMemoryRequest = p.memory(KeyEngineMemoryRequest, next.EngineMemory, prev.EngineMemoryRequest)
	next.EngineMemoryLimit = p.memory(KeyEngineMemoryLimit, next.EngineMemory+DefaultMemoryLimitHeadroom, prev.EngineMemoryLimit)

	for _, c := range p.list(KeyEngineCapabilities) {
		if required, ok := strings.CutPrefix(c, "+"); ok {
			if required != "" {
				next.RequiredCapabilities = append(next.RequiredCapabilities, required)
			}

			continue
		}

		next.CapableCapabilities = append(next.CapableCapabilities, c)
	}

	return next
}

// parseMemory accepts a plain number of MiB or a size such as "512m" or
// "1.5g".
func parseMemory(raw string) (int64, error) {
	var (
		n   int64
		err error
	)

	if mb, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
		n = mb * mib
	} else {
		n, err = units.RAMInBytes(raw)
		if err != nil {
			return 0, err
		}
	}

	if n <= 0 {
		return 0, fmt.Errorf("memory must be positive")
	}

	return n, nil
}

func splitList(raw string) []string {
	var out []string

	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}
