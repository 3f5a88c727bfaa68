// Package rodhost implements the hostapi host-surface interfaces on top of
// a real Chrome DevTools Protocol connection via github.com/go-rod/rod.
package rodhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
)

// Config configures the rod-backed host surface.
type Config struct {
	DebuggerURL string
	Bin         string
	Headless    bool
}

// Host is a real CDP-backed implementation of hostapi.TabAPI,
// hostapi.ScriptInjector and hostapi.NavigationEvents over one rod.Browser.
type Host struct {
	mu      sync.RWMutex
	browser *rod.Browser
	pages   map[int]*rod.Page
	urlOf   map[int]string
	nextID  int
	ids     map[proto.PageFrameID]int

	removed hostapi.Unsubscribe
	navSubs []func()

	beforeNav  list
	committed  list
	domLoaded  list
	completed  list
	errored    list
	historyUpd list
}

type list struct {
	mu    sync.Mutex
	funcs []func(hostapi.NavEvent)
}

func (l *list) add(fn func(hostapi.NavEvent)) hostapi.Unsubscribe {
	l.mu.Lock()
	l.funcs = append(l.funcs, fn)
	idx := len(l.funcs) - 1
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.funcs[idx] = nil
	}
}

func (l *list) fire(e hostapi.NavEvent) {
	l.mu.Lock()
	fns := append([]func(hostapi.NavEvent){}, l.funcs...)
	l.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(e)
		}
	}
}

// Connect launches (or attaches to) Chrome and returns a ready Host.
func Connect(ctx context.Context, cfg Config) (*Host, error) {
	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("rodhost: launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("rodhost: connect to chrome: %w", err)
	}

	h := &Host{
		browser: browser,
		pages:   make(map[int]*rod.Page),
		urlOf:   make(map[int]string),
		ids:     make(map[proto.PageFrameID]int),
		nextID:  1,
	}
	h.subscribeNavigation(ctx)
	return h, nil
}

// Disconnect tears down the underlying browser connection.
func (h *Host) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, stop := range h.navSubs {
		stop()
	}
	if h.browser == nil {
		return nil
	}
	return h.browser.Close()
}

func (h *Host) subscribeNavigation(ctx context.Context) {
	wait := h.browser.Context(ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			h.mu.RLock()
			tabID, ok := h.ids[ev.Frame.ParentID]
			h.mu.RUnlock()
			if !ok {
				// ParentID empty means this is the main frame; look it up by
				// matching against every known page's target.
				tabID, ok = h.tabIDForFrame(ev.Frame.ID)
				if !ok {
					return
				}
			}
			e := hostapi.NavEvent{TabID: tabID, FrameID: frameIDNum(ev.Frame.ParentID), URL: ev.Frame.URL}
			h.committed.fire(e)
		},
		func(ev *proto.PageLifecycleEvent) {
			tabID, ok := h.tabIDForFrame(ev.FrameID)
			if !ok {
				return
			}
			e := hostapi.NavEvent{TabID: tabID, FrameID: 0, URL: h.urlFor(tabID)}
			switch ev.Name {
			case "DOMContentLoaded":
				h.domLoaded.fire(e)
			case "load":
				h.completed.fire(e)
			}
		},
	)
	go wait()
	h.navSubs = append(h.navSubs, func() {})
}

// tabIDForFrame resolves a rod frame ID back to our synthetic tab ID by
// scanning tracked pages for the one whose target ID equals the frame ID (a
// top-level page's main frame carries its target's ID; this mapping is
// sufficient because the host only tracks top-level pages).
func (h *Host) tabIDForFrame(frameID proto.PageFrameID) (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, p := range h.pages {
		if proto.PageFrameID(p.TargetID) == frameID {
			return id, true
		}
	}
	return 0, false
}

func frameIDNum(id proto.PageFrameID) int {
	if id == "" {
		return 0
	}
	return 1
}

func (h *Host) urlFor(tabID int) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.urlOf[tabID]
}

// --- hostapi.TabAPI ---

func (h *Host) Create(ctx context.Context, url string, active bool) (int, error) {
	page, err := h.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return 0, fmt.Errorf("rodhost: create page: %w", err)
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.pages[id] = page
	h.urlOf[id] = url
	h.mu.Unlock()
	return id, nil
}

func (h *Host) Update(ctx context.Context, tabID int, active bool) error {
	page, err := h.page(tabID)
	if err != nil {
		return err
	}
	if active {
		_, err := page.Activate()
		return err
	}
	return nil
}

func (h *Host) Query(ctx context.Context, urlPattern string) ([]int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []int
	for id, u := range h.urlOf {
		if urlPattern == "" || u == urlPattern {
			out = append(out, id)
		}
	}
	return out, nil
}

func (h *Host) Close(ctx context.Context, tabID int) error {
	page, err := h.page(tabID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.pages, tabID)
	delete(h.urlOf, tabID)
	h.mu.Unlock()
	return page.Close()
}

func (h *Host) OnRemoved(fn func(tabID int, isWindowClosing bool)) hostapi.Unsubscribe {
	// rod does not expose target-destroyed as a first-class page callback in
	// the subset used here, and Close() does not notify listeners either: fn
	// is not stored and is never called.
	return func() {}
}

func (h *Host) SendMessage(ctx context.Context, tabID int, message any) (any, error) {
	page, err := h.page(tabID)
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Eval(`(msg) => window.__bgAgentDispatch ? window.__bgAgentDispatch(msg) : null`, message)
	if err != nil {
		return nil, fmt.Errorf("rodhost: send message to tab %d: %w", tabID, err)
	}
	var out any
	if res != nil {
		out = res.Value
	}
	return out, nil
}

func (h *Host) page(tabID int) (*rod.Page, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.pages[tabID]
	if !ok {
		return nil, fmt.Errorf("rodhost: no such tab %d", tabID)
	}
	return p, nil
}

// --- hostapi.ScriptInjector ---

func (h *Host) Execute(ctx context.Context, params hostapi.ExecuteParams) error {
	page, err := h.page(params.TabID)
	if err != nil {
		return err
	}
	src := params.Source
	if src == "" && len(params.Files) > 0 {
		// Callers are expected to have already read file contents into Source;
		// Files is accepted for interface parity with the chrome.scripting shape.
		return fmt.Errorf("rodhost: Files injection requires pre-read Source, got %d file paths", len(params.Files))
	}
	target := page
	if params.AllFrames {
		target = page.Context(ctx)
	}
	_, err = target.Eval(src)
	if err != nil {
		return fmt.Errorf("rodhost: inject script into tab %d (world=%s): %w", params.TabID, params.World, err)
	}
	return nil
}

// NewCorrelationID mints an identifier for request/response pairing over the
// page-agent channel (used by callers that need to match async replies).
func NewCorrelationID() string { return uuid.NewString() }

// --- hostapi.NavigationEvents ---

func (h *Host) OnBeforeNavigate(fn func(hostapi.NavEvent)) hostapi.Unsubscribe { return h.beforeNav.add(fn) }
func (h *Host) OnCommitted(fn func(hostapi.NavEvent)) hostapi.Unsubscribe        { return h.committed.add(fn) }
func (h *Host) OnDOMContentLoaded(fn func(hostapi.NavEvent)) hostapi.Unsubscribe { return h.domLoaded.add(fn) }
func (h *Host) OnCompleted(fn func(hostapi.NavEvent)) hostapi.Unsubscribe        { return h.completed.add(fn) }
func (h *Host) OnErrorOccurred(fn func(hostapi.NavEvent)) hostapi.Unsubscribe    { return h.errored.add(fn) }
func (h *Host) OnHistoryStateUpdated(fn func(hostapi.NavEvent)) hostapi.Unsubscribe {
	return h.historyUpd.add(fn)
}
