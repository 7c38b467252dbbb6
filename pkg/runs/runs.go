// Package runs reads and writes test run records held in the shared
// status store under run.<name>.<field> keys.
package runs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/mitchellh/mapstructure"
)

// Run statuses. Anything after allocated is written by the worker.
const (
	StatusQueued    = "queued"
	StatusAllocated = "allocated"
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusFinished  = "finished"
)

// Run record fields.
const (
	FieldStatus          = "status"
	FieldQueued          = "queued"
	FieldRequestor       = "requestor"
	FieldTest            = "test"
	FieldGroup           = "group"
	FieldTrace           = "trace"
	FieldLocal           = "local"
	FieldCapabilities    = "capabilities"
	FieldController      = "controller"
	FieldAllocated       = "allocated"
	FieldAllocateTimeout = "allocate.timeout"
)

const keyPrefix = "run."

// Run is a test-execution request.
type Run struct {
	Name            string    `mapstructure:"-"`
	Status          string    `mapstructure:"status"`
	Queued          time.Time `mapstructure:"queued"`
	Requestor       string    `mapstructure:"requestor"`
	Test            string    `mapstructure:"test"`
	Group           string    `mapstructure:"group"`
	Trace           bool      `mapstructure:"trace"`
	Local           bool      `mapstructure:"local"`
	Capabilities    []string  `mapstructure:"capabilities"`
	Controller      string    `mapstructure:"controller"`
	Allocated       time.Time `mapstructure:"allocated"`
	AllocateTimeout time.Time `mapstructure:"allocate.timeout"`
}

// Key returns the store key of a run field.
func Key(name, field string) string {
	return keyPrefix + name + "." + field
}

// StatusKey returns the store key holding the run status.
func StatusKey(name string) string {
	return Key(name, FieldStatus)
}

// FormatTime renders timestamps the way they are stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// IsTerminal reports whether status is a final state.
func IsTerminal(status string) bool {
	return status == StatusFinished
}

// Properties returns the store representation of r.
func (r *Run) Properties() map[string]string {
	props := map[string]string{
		Key(r.Name, FieldStatus):    r.Status,
		Key(r.Name, FieldRequestor): r.Requestor,
		Key(r.Name, FieldTrace):     strconv.FormatBool(r.Trace),
		Key(r.Name, FieldLocal):     strconv.FormatBool(r.Local),
	}

	optional := map[string]string{
		FieldTest:       r.Test,
		FieldGroup:      r.Group,
		FieldController: r.Controller,
	}

	if len(r.Capabilities) > 0 {
		optional[FieldCapabilities] = strings.Join(r.Capabilities, ",")
	}

	for field, t := range map[string]time.Time{
		FieldQueued:          r.Queued,
		FieldAllocated:       r.Allocated,
		FieldAllocateTimeout: r.AllocateTimeout,
	} {
		if !t.IsZero() {
			optional[field] = FormatTime(t)
		}
	}

	for field, v := range optional {
		if v != "" {
			props[Key(r.Name, field)] = v
		}
	}

	return props
}

// ClaimSwap builds the compare-and-swap that moves a run from queued to
// allocated for controllerID, recording the allocation time and the lease
// expiry.
func ClaimSwap(name, controllerID string, now time.Time, lease time.Duration) store.Swap {
	return store.Swap{
		Key:      StatusKey(name),
		Expected: StatusQueued,
		Value:    StatusAllocated,
		Puts: map[string]string{
			Key(name, FieldController):      controllerID,
			Key(name, FieldAllocated):       FormatTime(now),
			Key(name, FieldAllocateTimeout): FormatTime(now.Add(lease)),
		},
	}
}

// RequeueSwap builds the compare-and-swap that returns an allocated run to
// the queue and drops its allocation fields.
func RequeueSwap(name string) store.Swap {
	return store.Swap{
		Key:      StatusKey(name),
		Expected: StatusAllocated,
		Value:    StatusQueued,
		Deletes: []string{
			Key(name, FieldController),
			Key(name, FieldAllocated),
			Key(name, FieldAllocateTimeout),
		},
	}
}

// SortByQueued orders runs by queued time, earliest first. Runs queued at
// the same instant keep name order so the result is deterministic.
func SortByQueued(list []*Run) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Queued.Equal(list[j].Queued) {
			return list[i].Queued.Before(list[j].Queued)
		}

		return list[i].Name < list[j].Name
	})
}

// decode builds a Run from the fields of one run record.
func decode(name string, fields map[string]string) (*Run, error) {
	input := make(map[string]any, len(fields))

	for field, v := range fields {
		if v == "" {
			continue
		}

		input[field] = v
	}

	run := &Run{Name: name}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result: run,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := dec.Decode(input); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", name, err)
	}

	for i, c := range run.Capabilities {
		run.Capabilities[i] = strings.TrimSpace(c)
	}

	return run, nil
}

// group splits run.<name>.<field> properties by run name.
func group(props map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string)

	for k, v := range props {
		rest, ok := strings.CutPrefix(k, keyPrefix)
		if !ok {
			continue
		}

		name, field, ok := strings.Cut(rest, ".")
		if !ok || name == "" {
			continue
		}

		if out[name] == nil {
			out[name] = make(map[string]string, 8)
		}

		out[name][field] = v
	}

	return out
}
