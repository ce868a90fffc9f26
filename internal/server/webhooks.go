package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"a2aflow/internal/config"
	"a2aflow/internal/domain"
	"a2aflow/internal/store"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBuffer  = 256
)

// webhookDispatcher posts task status to every hook whose state filter
// matches when a task becomes terminal. Deliveries run off the store's
// notification path on a single goroutine.
type webhookDispatcher struct {
	webhooks []config.WebhookConfig
	filters  []stateFilter
	client   *http.Client
	logger   *log.Logger

	mu     sync.Mutex
	closed bool
	queue  chan domain.Task
}

// StartWebhooks subscribes to s and delivers terminal task notifications.
// The returned stop function unsubscribes and waits for pending deliveries.
func StartWebhooks(s store.Store, hooks []config.WebhookConfig, logger *log.Logger) (stop func()) {
	var active []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		active = append(active, hook)
	}
	if len(active) == 0 {
		return func() {}
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &webhookDispatcher{
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		queue:    make(chan domain.Task, defaultWebhookBuffer),
	}
	for _, hook := range active {
		d.filters = append(d.filters, newStateFilter(hook.States))
	}
	unlisten := s.Listen(d.enqueue)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.run()
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unlisten()
			d.mu.Lock()
			d.closed = true
			close(d.queue)
			d.mu.Unlock()
			wg.Wait()
		})
	}
}

func (d *webhookDispatcher) enqueue(t domain.Task) {
	if !t.State.Terminal() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- t:
	default:
		d.logger.Printf("webhook: queue full, dropping %s for task %s", t.State, t.ID)
	}
}

func (d *webhookDispatcher) run() {
	for t := range d.queue {
		for i, hook := range d.webhooks {
			if !d.filters[i].match(t.State) {
				continue
			}
			if err := d.post(context.Background(), hook, t); err != nil {
				d.logger.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			}
		}
	}
}

type webhookEvent struct {
	Type string      `json:"type"`
	TS   string      `json:"ts"`
	Task domain.Task `json:"task"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, t domain.Task) error {
	evtType := "task." + string(t.State)
	data, err := json.Marshal(webhookEvent{
		Type: evtType,
		TS:   time.Now().UTC().Format(domain.TimeFormat),
		Task: taskResponse(t),
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-A2aflow-Event", evtType)
	req.Header.Set("X-A2aflow-Delivery", t.ID+":"+string(t.State))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-A2aflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type stateFilter struct {
	all bool
	set map[domain.State]struct{}
}

// newStateFilter matches every terminal state when states is empty.
func newStateFilter(states []string) stateFilter {
	set := make(map[domain.State]struct{}, len(states))
	for _, st := range states {
		key := strings.TrimSpace(st)
		if key == "" {
			continue
		}
		set[domain.State(key)] = struct{}{}
	}
	if len(set) == 0 {
		return stateFilter{all: true}
	}
	return stateFilter{set: set}
}

func (f stateFilter) match(st domain.State) bool {
	if f.all {
		return true
	}
	_, ok := f.set[st]
	return ok
}
