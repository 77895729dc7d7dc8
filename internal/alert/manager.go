package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the connector raises operator-facing alerts through:
// submission failures, stream disconnects, fill overshoots.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const defaultQueueSize = 128

// Manager queues alerts and delivers them on a background goroutine so a
// slow notifier never blocks the trading path. A full queue drops the alert
// and counts it.
type Manager struct {
	domain     string
	instanceID string
	notifier   Notifier
	queue      chan alertEvent
	stop       chan struct{}
	done       chan struct{}
	dropped    atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type alertEvent struct {
	event  string
	fields map[string]string
}

func NewManager(domain, instanceID string, notifier Notifier) *Manager {
	if notifier == nil {
		return nil
	}
	m := &Manager{
		domain:     domain,
		instanceID: instanceID,
		notifier:   notifier,
		queue:      make(chan alertEvent, defaultQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- alertEvent{event: event, fields: cloneFields(fields)}:
	default:
		dropped := m.dropped.Add(1)
		log.Printf("level=WARN event=alert_dropped target_event=%q dropped_total=%d queue_cap=%d",
			event, dropped, cap(m.queue))
	}
}

// Close drains queued alerts, then stops the delivery goroutine. Returns the
// ctx error if draining does not finish in time.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					if dropped := m.dropped.Load(); dropped > 0 {
						log.Printf("level=WARN event=alert_dropped_summary dropped_total=%d", dropped)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev.event, ev.fields)); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.event, err.Error())
	}
}

func (m *Manager) buildMessage(event string, fields map[string]string) string {
	lines := []string{
		"[idex-connector] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"domain: " + m.domain,
		"instance: " + m.instanceID,
		"event: " + event,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
