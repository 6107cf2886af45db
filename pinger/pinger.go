// Package pinger keeps saved health-check requests and fires them on their
// configured intervals, recording status and latency per target.
package pinger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devmate/storage"
)

// Publisher delivers ping results to listening UI surfaces.
type Publisher interface {
	Publish(action string, payload any)
}

// Target is one saved ping request. Headers holds a JSON object of
// header name to value, kept as text the way the UI edits it.
type Target struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Headers    string `json:"headers,omitempty"`
	Body       string `json:"body,omitempty"`
	Interval   int    `json:"interval"`
	Active     bool   `json:"isActive"`
	LastPingAt int64  `json:"lastPingAt,omitempty"`
	LastStatus int    `json:"lastStatus,omitempty"`
	LastError  string `json:"lastError,omitempty"`
	PingCount  int    `json:"pingCount,omitempty"`
}

// Result is the outcome of a single ping execution.
type Result struct {
	PingID       string `json:"pingId"`
	Status       int    `json:"status"`
	ResponseTime int64  `json:"responseTime"`
	Error        string `json:"error,omitempty"`
}

// Scheduler owns the target collection and the per-target ping loops.
type Scheduler struct {
	store  *storage.Database
	bus    Publisher
	client *http.Client

	mu      sync.Mutex
	running map[string]chan struct{}
}

func NewScheduler(store *storage.Database, bus Publisher, timeout time.Duration) *Scheduler {
	return &Scheduler{
		store:   store,
		bus:     bus,
		client:  &http.Client{Timeout: timeout},
		running: make(map[string]chan struct{}),
	}
}

// Save validates and stores a target. A target without an id gets one
// assigned; the stored value is returned.
func (s *Scheduler) Save(t Target) (*Target, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("ping target needs a name")
	}
	if strings.TrimSpace(t.URL) == "" {
		return nil, fmt.Errorf("ping target needs a url")
	}
	if t.Interval < 1 {
		return nil, fmt.Errorf("ping interval must be at least 1 second")
	}
	if t.Method == "" {
		t.Method = http.MethodGet
	}
	if t.Headers != "" {
		var probe map[string]string
		if err := json.Unmarshal([]byte(t.Headers), &probe); err != nil {
			return nil, fmt.Errorf("ping headers must be a JSON object: %w", err)
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if err := s.put(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns all saved targets, oldest first.
func (s *Scheduler) List() ([]Target, error) {
	items, err := s.store.GetCollection(storage.CollectionPingRequests)
	if err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(items))
	for _, item := range items {
		var t Target
		if err := json.Unmarshal(item.Value, &t); err != nil {
			log.Printf("pinger: skipping corrupt target %s: %v", item.Key, err)
			continue
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Remove stops and deletes a target. Removing an unknown id is a no-op.
func (s *Scheduler) Remove(id string) error {
	s.Stop(id)
	return s.store.RemoveCollectionItem(storage.CollectionPingRequests, id)
}

// Start launches the ping loop for a target. Starting an already running
// target is a no-op.
func (s *Scheduler) Start(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	s.running[id] = stop
	s.mu.Unlock()

	t.Active = true
	if err := s.put(t); err != nil {
		log.Printf("pinger: failed to mark %s active: %v", id, err)
	}

	go s.loop(id, time.Duration(t.Interval)*time.Second, stop)
	return nil
}

// Stop halts the ping loop for a target. Stopping an idle target is a
// no-op.
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	stop, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(stop)

	if t, err := s.get(id); err == nil {
		t.Active = false
		if err := s.put(t); err != nil {
			log.Printf("pinger: failed to mark %s inactive: %v", id, err)
		}
	}
}

// StopAll halts every running loop; used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// ResumeActive restarts loops for targets that were active when the
// process last stopped.
func (s *Scheduler) ResumeActive() error {
	targets, err := s.List()
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.Active {
			if err := s.Start(t.ID); err != nil {
				log.Printf("pinger: failed to resume %s: %v", t.ID, err)
			}
		}
	}
	return nil
}

// Running reports whether a target's loop is currently active.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Execute fires one ping immediately, updates the target's stats and
// returns the result.
func (s *Scheduler) Execute(id string) (*Result, error) {
	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	result := s.ping(t)
	s.recordResult(t, result)
	return result, nil
}

func (s *Scheduler) loop(id string, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t, err := s.get(id)
			if err != nil {
				log.Printf("pinger: target %s vanished, stopping loop", id)
				s.Stop(id)
				return
			}
			result := s.ping(t)
			s.recordResult(t, result)
			if s.bus != nil {
				s.bus.Publish("pingResult", map[string]any{"result": result})
			}
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) ping(t *Target) *Result {
	result := &Result{PingID: t.ID}

	var body io.Reader
	if t.Body != "" {
		body = strings.NewReader(t.Body)
	}
	req, err := http.NewRequest(strings.ToUpper(t.Method), t.URL, body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to build request: %v", err)
		return result
	}
	if t.Headers != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(t.Headers), &headers); err == nil {
			for name, value := range headers {
				req.Header.Set(name, value)
			}
		}
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	result.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result.Status = resp.StatusCode
	return result
}

func (s *Scheduler) recordResult(t *Target, result *Result) {
	t.LastPingAt = time.Now().UnixMilli()
	t.LastStatus = result.Status
	t.LastError = result.Error
	t.PingCount++
	if err := s.put(t); err != nil {
		log.Printf("pinger: failed to record result for %s: %v", t.ID, err)
	}
}

func (s *Scheduler) get(id string) (*Target, error) {
	item, err := s.store.GetCollectionItem(storage.CollectionPingRequests, id)
	if err != nil {
		return nil, err
	}
	var t Target
	if err := json.Unmarshal(item.Value, &t); err != nil {
		return nil, fmt.Errorf("corrupt ping target %s: %w", id, err)
	}
	return &t, nil
}

func (s *Scheduler) put(t *Target) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode ping target: %w", err)
	}
	return s.store.PutCollectionItem(storage.CollectionPingRequests, t.ID, value)
}
