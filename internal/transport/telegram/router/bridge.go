package router

import (
	"datafarm/internal/config"
	"datafarm/internal/runtime/supervisor"
)

// Aliases keep handler signatures short and give the router one place
// to bind against the app-level types.

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Restart helpers (for resilient worker loops) ----

type RestartOption = supervisor.RestartOption

var WithRestartBackoff = supervisor.WithRestartBackoff

var WithPublishFirstError = supervisor.WithPublishFirstError

var WithStopOnCleanExit = supervisor.WithStopOnCleanExit
