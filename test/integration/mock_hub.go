// Package integration provides end-to-end tests for the plugin host, driving
// real wasm guests through the engine, registry and orchestrator.
// This file re-exports helpers from pkg/testutil.
package integration

import (
	"pluginhost/pkg/testutil"
	"pluginhost/pkg/testutil/harness"
)

type MockHub = testutil.MockHub
type Push = testutil.Push
type TestEnv = harness.TestEnv
type Options = harness.Options

// NewMockHub starts a mock hub push endpoint
var NewMockHub = testutil.NewMockHub

// NewTestEnv builds a plugin host over mock hardware
var NewTestEnv = harness.New

// Helper function aliases
var FilterPushes = testutil.FilterPushes
var FindReading = testutil.FindReading
