// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"fmt"
	"net/http"
	"os"

	"github.com/tombee/helmsman/internal/config"
	"github.com/tombee/helmsman/internal/log"
	"github.com/tombee/helmsman/internal/metrics"
	"github.com/tombee/helmsman/pkg/agent"
	"github.com/tombee/helmsman/pkg/engine"
	"github.com/tombee/helmsman/pkg/flow"
	"github.com/tombee/helmsman/pkg/store"
	"github.com/tombee/helmsman/pkg/store/sqlite"
	"github.com/tombee/helmsman/pkg/tool"
)

// Runtime bundles everything a command needs to drive the engine.
type Runtime struct {
	Config *config.Config
	Engine *engine.Engine

	store   store.Store
	metrics *http.Server
}

// Close releases the runtime's store and metrics listener.
func (r *Runtime) Close() error {
	if r.metrics != nil {
		r.metrics.Close()
	}
	return r.store.Close()
}

// BuildRuntime loads configuration and assembles a ready engine: store
// backend, flow directory, builtin tools and agents, governance policy,
// and the Prometheus collector. extraFlows are layered over the flow
// directory so `helmsman run path/to/flow.yaml` works without installing
// the file first.
func BuildRuntime(extraFlows ...*flow.Definition) (*Runtime, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, err
	}

	logCfg := log.FromEnv()
	if !GetVerbose() {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = log.Format(cfg.Log.Format)
		logCfg.AddSource = cfg.Log.AddSource
	} else {
		logCfg.Level = "debug"
	}
	if GetQuiet() {
		logCfg.Level = "error"
	}
	logger := log.New(logCfg)

	var st store.Store
	switch cfg.Store.Backend {
	case "memory":
		st = store.NewMemory()
	default:
		path, err := cfg.StorePath()
		if err != nil {
			return nil, err
		}
		st, err = sqlite.New(sqlite.Config{Path: path, WAL: cfg.StoreWAL()})
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	flows := engine.StaticFlows{}
	if info, err := os.Stat(cfg.Flows.Dir); err == nil && info.IsDir() {
		loaded, err := flow.LoadDir(cfg.Flows.Dir)
		if err != nil {
			st.Close()
			return nil, err
		}
		for id, def := range loaded {
			flows[id] = def
		}
	}
	for _, def := range extraFlows {
		flows[def.ID] = def
	}

	tools := tool.NewRegistry()
	tools.MustRegister(tool.Echo())
	tools.MustRegister(tool.Sleep())

	agents := agent.NewRegistry()
	agents.MustRegister(agent.Summarize())

	eng, err := engine.New(engine.Config{
		Store:   st,
		Flows:   flows,
		Tools:   tools,
		Agents:  agents,
		Policy:  &cfg.Policy,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	rt := &Runtime{Config: cfg, Engine: eng, store: st}
	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		rt.metrics = srv
	}
	return rt, nil
}
