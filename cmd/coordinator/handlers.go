package main

import (
	"context"

	"github.com/pharrisenterprises/sammy-sub004/internal/bus"
	"github.com/pharrisenterprises/sammy-sub004/internal/control"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/orchestrator"
)

// registerHandlers binds the well-known action names extension surfaces call
// to the stack's collaborators. This is the handler-registry attachment the
// coordinator's Initialize sequence expects to happen before Start.
func registerHandlers(s *stack) {
	b := s.bus

	b.RegisterHandler("get_project_by_id", func(ctx context.Context, payload any) bus.HandlerOutcome {
		id, ok := intField(payload, "projectId")
		if !ok {
			return bus.Sync(bus.Response{Success: false, Error: "missing projectId"})
		}
		project, err := s.store.Load(ctx, id)
		if err != nil {
			return bus.Sync(bus.Response{Success: false, Error: err.Error()})
		}
		return bus.Sync(bus.Response{Success: true, Data: project})
	})

	b.RegisterHandler("openTab", func(ctx context.Context, payload any) bus.HandlerOutcome {
		url, _ := stringField(payload, "url")
		tabID, err := s.host.Create(ctx, url, true)
		if err != nil {
			return bus.Sync(bus.Response{Success: false, Error: err.Error()})
		}
		return bus.Sync(bus.Response{Success: true, TabID: tabID})
	})

	b.RegisterHandler("closeTab", func(ctx context.Context, payload any) bus.HandlerOutcome {
		tabID, ok := intField(payload, "tabId")
		if !ok {
			return bus.Sync(bus.Response{Success: false, Error: "missing tabId"})
		}
		if err := s.host.Close(ctx, tabID); err != nil {
			return bus.Sync(bus.Response{Success: false, Error: err.Error()})
		}
		return bus.Sync(bus.Response{Success: true, TabID: tabID})
	})

	b.RegisterHandler("injectScript", func(ctx context.Context, payload any) bus.HandlerOutcome {
		tabID, ok := intField(payload, "tabId")
		if !ok {
			return bus.Sync(bus.Response{Success: false, Error: "missing tabId"})
		}
		src, _ := stringField(payload, "source")
		err := s.host.Execute(ctx, hostapi.ExecuteParams{
			TabID:     tabID,
			AllFrames: s.cfg.Injection.AllFrames,
			World:     string(s.cfg.Injection.World),
			Source:    src,
		})
		if err != nil {
			return bus.Sync(bus.Response{Success: false, Error: err.Error()})
		}
		return bus.Sync(bus.Response{Success: true, TabID: tabID})
	})

	// start_replay answers asynchronously: the run is long-lived, so the
	// handler hands the bus a future and resolves it with the final summary.
	b.RegisterHandler("start_replay", func(ctx context.Context, payload any) bus.HandlerOutcome {
		id, ok := intField(payload, "projectId")
		if !ok {
			return bus.Sync(bus.Response{Success: false, Error: "missing projectId"})
		}
		ch := make(chan bus.Response, 1)
		go func() {
			summary, err := s.orch.Run(context.Background(), orchestrator.DefaultRunOptions(id))
			if err != nil {
				ch <- bus.Response{Success: false, Error: err.Error()}
				return
			}
			ch <- bus.Response{Success: true, Data: summary}
		}()
		return bus.Pending(ch)
	})

	b.RegisterHandler("stop_replay", func(ctx context.Context, payload any) bus.HandlerOutcome {
		if err := s.orch.Stop(control.ReasonUserRequested, "stop requested over the bus"); err != nil {
			return bus.Sync(bus.Response{Success: false, Error: err.Error()})
		}
		return bus.Sync(bus.Response{Success: true})
	})
}

func intField(payload any, key string) (int, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func stringField(payload any, key string) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}
