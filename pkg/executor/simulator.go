package executor

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// Simulator defaults.
const (
	DefaultLatency          = 2500 * time.Millisecond
	DefaultConnectDelay     = 2 * time.Second
	DefaultProgressInterval = 500 * time.Millisecond
	DefaultFailureRate      = 0.1
)

// Simulator pretends to run commands against a cloud provider. Outside
// production a fraction of commands fail with errors shaped like the
// provider SDK's own (smithy API errors for AWS, azcore response errors for
// Azure, gRPC status errors for GCP). It implements engine.CommandExecutor
// and engine.ClusterConnector.
type Simulator struct {
	clock            clockwork.Clock
	latency          time.Duration
	connectDelay     time.Duration
	progressInterval time.Duration
	failureRate      float64
	unreachable      map[string]bool
	logger           zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSeed makes failures reproducible.
func WithSeed(seed uint64) SimulatorOption {
	return func(s *Simulator) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithClock sets the clock used for latency and progress ticks.
func WithClock(clock clockwork.Clock) SimulatorOption {
	return func(s *Simulator) { s.clock = clock }
}

// WithLatency sets how long each command takes.
func WithLatency(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.latency = d }
}

// WithConnectDelay sets how long a cluster connection takes.
func WithConnectDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.connectDelay = d }
}

// WithProgressInterval sets how often progress is reported.
func WithProgressInterval(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.progressInterval = d }
}

// WithFailureRate sets the probability in [0, 1] that a non-production
// command fails.
func WithFailureRate(rate float64) SimulatorOption {
	return func(s *Simulator) { s.failureRate = min(max(rate, 0), 1) }
}

// WithUnreachableClusters makes Connect fail for the named clusters.
func WithUnreachableClusters(names ...string) SimulatorOption {
	return func(s *Simulator) {
		for _, n := range names {
			s.unreachable[n] = true
		}
	}
}

// WithSimulatorLogger sets the logger.
func WithSimulatorLogger(logger zerolog.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = logger }
}

// NewSimulator creates a simulator.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		clock:            clockwork.NewRealClock(),
		latency:          DefaultLatency,
		connectDelay:     DefaultConnectDelay,
		progressInterval: DefaultProgressInterval,
		failureRate:      DefaultFailureRate,
		unreachable:      make(map[string]bool),
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		seed := rand.Uint64()
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return s
}

// Execute implements engine.CommandExecutor.
func (s *Simulator) Execute(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, &engine.ProviderError{Code: engine.CodeValidationFailed, Message: "command is required"}
	}

	log := s.logger.With().
		Str("step_id", req.StepID).
		Str("provider", string(req.Provider)).
		Str("environment", string(req.Environment)).
		Logger()
	log.Debug().Str("command", req.Command).Msg("Executing command")

	if err := s.wait(ctx, s.latency, req.OnProgress); err != nil {
		return nil, err
	}

	if !req.Environment.IsProduction() && s.float() < s.failureRate {
		err := s.providerError(req)
		log.Warn().Err(err).Msg("Simulated command failure")
		return nil, err
	}

	if req.OnProgress != nil {
		req.OnProgress(100)
	}

	ts := s.clock.Now().UTC().Format(time.RFC3339)
	return &engine.CommandResult{
		Success: true,
		Logs: []string{
			fmt.Sprintf("[%s] Command executed successfully: %s", ts, req.Command),
			fmt.Sprintf("[%s] Provider: %s", ts, req.Provider),
			fmt.Sprintf("[%s] Environment: %s", ts, req.Environment),
		},
		Progress: 100,
	}, nil
}

// Connect implements engine.ClusterConnector.
func (s *Simulator) Connect(ctx context.Context, cfg engine.DeploymentConfig) (bool, error) {
	if err := s.wait(ctx, s.connectDelay, nil); err != nil {
		return false, err
	}
	if s.unreachable[cfg.ClusterName] {
		s.logger.Warn().Str("cluster", cfg.ClusterName).Msg("Simulated cluster unreachable")
		return false, nil
	}
	return true, nil
}

// wait blocks for d, reporting increasing progress capped at 90.
func (s *Simulator) wait(ctx context.Context, d time.Duration, onProgress func(int)) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	var tick <-chan time.Time
	if onProgress != nil && s.progressInterval > 0 {
		ticker := s.clock.NewTicker(s.progressInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	pct := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			return nil
		case <-tick:
			next := min(pct+5+s.intN(10), 90)
			if next > pct {
				pct = next
				onProgress(pct)
			}
		}
	}
}

type simulatedFailure struct {
	aws   string
	azure string
	gcp   codes.Code
	http  int
	std   string
	msg   string
}

var simulatedFailures = []simulatedFailure{
	{"AccessDeniedException", "AuthorizationFailed", codes.PermissionDenied, http.StatusForbidden,
		engine.CodePermissionDenied, "User is not authorized to perform this action"},
	{"ResourceNotFoundException", "ResourceNotFound", codes.NotFound, http.StatusNotFound,
		engine.CodeResourceNotFound, "The specified resource does not exist"},
	{"ThrottlingException", "TooManyRequests", codes.ResourceExhausted, http.StatusTooManyRequests,
		engine.CodeRateLimited, "Rate exceeded for operation"},
}

// providerError builds a failure in the error shape of the request's provider.
func (s *Simulator) providerError(req engine.CommandRequest) error {
	f := simulatedFailures[s.intN(len(simulatedFailures))]

	switch req.Provider {
	case engine.ProviderAzure:
		return azureError(f, req)
	case engine.ProviderGCP:
		return status.Error(f.gcp, f.msg)
	case engine.ProviderAWS:
		return fmt.Errorf("operation %s: %w", req.StepID, &smithy.GenericAPIError{
			Code:    f.aws,
			Message: f.msg,
			Fault:   smithy.FaultClient,
		})
	default:
		return &engine.ProviderError{
			Code:    f.std,
			Message: f.msg,
			Details: map[string]interface{}{"command": req.Command},
		}
	}
}

func azureError(f simulatedFailure, req engine.CommandRequest) error {
	url := "https://management.azure.com/providers/Microsoft.ContainerService/locations/" + req.Region
	httpReq, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return &engine.ProviderError{Code: f.azure, Message: f.msg}
	}
	body := fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, f.azure, f.msg)
	return &azcore.ResponseError{
		ErrorCode:  f.azure,
		StatusCode: f.http,
		RawResponse: &http.Response{
			StatusCode: f.http,
			Status:     fmt.Sprintf("%d %s", f.http, http.StatusText(f.http)),
			Request:    httpReq,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(body)),
		},
	}
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) intN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}
