// Package appcontext supplies the small set of environment facts
// task_scheduler.py reads off `utils`/`app context`: the running server's
// version, whether it's a canary, and whether it's a local dev server.
package appcontext

import "github.com/guido-cesarano/taskforge/pkg/config"

// Context is the capability interface pkg/scheduler depends on instead of
// reading globals directly (spec.md §6 "App context").
type Context interface {
	GetAppVersion() string
	IsCanary() bool
	IsLocalDevServer() bool
}

// static is the production implementation: version is fixed at build time
// (or supplied by the deploy tooling), canary/dev-server come from Config.
type static struct {
	version string
	cfg     config.Config
	local   bool
}

// New builds a Context from version and cfg. local should be true only
// when running against the in-process devredis harness.
func New(version string, cfg config.Config, local bool) Context {
	return &static{version: version, cfg: cfg, local: local}
}

func (s *static) GetAppVersion() string  { return s.version }
func (s *static) IsCanary() bool         { return s.cfg.Canary }
func (s *static) IsLocalDevServer() bool { return s.local }
