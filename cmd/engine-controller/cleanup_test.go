package main

import (
	"context"
	"io"
	"testing"

	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformCleanup_RemovesOnlyLabelledWorkers(t *testing.T) {
	log = logrus.New()
	log.SetOutput(io.Discard)

	client := memory.New()
	a := client.Add(orchestrator.Worker{Name: "a", RunName: "RunA", EngineLabel: "standard-engine"})
	b := client.Add(orchestrator.Worker{Name: "b", RunName: "RunB", EngineLabel: "standard-engine", Phase: orchestrator.PhaseFailed})
	client.Add(orchestrator.Worker{Name: "c", RunName: "RunC", EngineLabel: "gpu-engine"})

	require.NoError(t, performCleanup(context.Background(), client, "standard-engine", true))

	assert.ElementsMatch(t, []string{a, b}, client.Deleted())

	left, err := client.ListWorkers(context.Background(), "gpu-engine")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestPerformCleanup_NothingToDo(t *testing.T) {
	log = logrus.New()
	log.SetOutput(io.Discard)

	client := memory.New()

	require.NoError(t, performCleanup(context.Background(), client, "standard-engine", false))
	assert.Empty(t, client.Deleted())
}
