package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/escrow-engine/internal/model"
)

// CaptureHandler receives capture outcomes from the sandbox.
type CaptureHandler func(ctx context.Context, res CaptureResult)

// Sandbox is an in-process processor for development and tests. Captures
// succeed after a delay unless failures are switched on; releases are
// idempotent per transaction.
type Sandbox struct {
	delay time.Duration

	mu           sync.Mutex
	onCapture    CaptureHandler
	failCaptures bool
	failReleases bool
	releases     map[string]ReleaseResult
	releaseCalls int

	wg sync.WaitGroup
}

// NewSandbox creates a sandbox that reports captures after delay.
func NewSandbox(delay time.Duration) *Sandbox {
	return &Sandbox{
		delay:    delay,
		releases: make(map[string]ReleaseResult),
	}
}

// OnCapture registers the handler for capture outcomes.
func (s *Sandbox) OnCapture(h CaptureHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCapture = h
}

// FailCaptures makes subsequent captures report failure.
func (s *Sandbox) FailCaptures(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCaptures = fail
}

// FailReleases makes subsequent releases return an error.
func (s *Sandbox) FailReleases(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReleases = fail
}

func (s *Sandbox) Capture(_ context.Context, req CaptureRequest) error {
	s.mu.Lock()
	handler := s.onCapture
	res := CaptureResult{TransactionID: req.TransactionID, Success: !s.failCaptures}
	s.mu.Unlock()
	if !res.Success {
		res.Reason = "card declined"
	}

	if handler == nil {
		slog.Warn("sandbox capture has no handler", "transaction_id", req.TransactionID)
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(s.delay)
		handler(context.Background(), res)
	}()
	return nil
}

func (s *Sandbox) Release(_ context.Context, req ReleaseRequest) (ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseCalls++
	if s.failReleases {
		return ReleaseResult{}, fmt.Errorf("%w: sandbox release unavailable", model.ErrGateway)
	}
	if res, ok := s.releases[req.TransactionID]; ok {
		return res, nil
	}
	res := ReleaseResult{Reference: "rel_" + uuid.NewString()}
	s.releases[req.TransactionID] = res
	return res, nil
}

// Released reports how many distinct transactions were paid out.
func (s *Sandbox) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// ReleaseCalls reports how many times Release was invoked.
func (s *Sandbox) ReleaseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseCalls
}

// Wait blocks until every pending capture callback has run.
func (s *Sandbox) Wait() {
	s.wg.Wait()
}
