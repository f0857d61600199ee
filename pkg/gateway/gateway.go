// Package gateway provides the public API for embedding the service
// gateway. This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/service-gateway/internal/runtime"
)

// Gateway is the main entry point for running the service gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithConfigFile("gateway.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithConfigFile = runtime.WithConfigFile
	WithConfig     = runtime.WithConfig

	// Components
	WithJournalStore = runtime.WithJournalStore
	WithMetrics      = runtime.WithMetrics
	WithTransport    = runtime.WithTransport

	// Advanced options
	WithLogger     = runtime.WithLogger
	WithVersion    = runtime.WithVersion
	WithListenAddr = runtime.WithListenAddr
	WithClock      = runtime.WithClock
)
