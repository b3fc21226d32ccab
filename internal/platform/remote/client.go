package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// #region config
// ClientConfig bounds how long a control tick may wait on the board agent.
type ClientConfig struct {
	CallTimeout      time.Duration // deadline on every RPC
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // time the breaker stays open before probing
	Logger           zerolog.Logger
}

// DefaultClientConfig keeps each call well inside a 100ms tick.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallTimeout:      20 * time.Millisecond,
		FailureThreshold: 5,
		OpenTimeout:      5 * time.Second,
		Logger:           zerolog.Nop(),
	}
}

// #endregion config

// #region client-struct
// Client talks to a board agent over gRPC. It satisfies supervisor.Probe and
// supervisor.Actuator. Transport errors never reach the state machine: a
// failed poll reads as "not ready", so a dead agent ends in an operation
// timeout rather than a stuck tick.
type Client struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
	cfg    ClientConfig
	cb     *gobreaker.CircuitBreaker[struct{}]
	log    zerolog.Logger
}

// #endregion client-struct

// #region constructor
// NewClient connects to the agent at addr.
func NewClient(addr string, cfg ClientConfig) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewClientWithConn(conn, cfg)
	c.closer = conn
	return c, nil
}

// NewClientWithConn builds a client on an existing connection.
// Tests use it with an in-memory listener.
func NewClientWithConn(conn grpc.ClientConnInterface, cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	log := cfg.Logger.With().Str("component", "remote-platform").Logger()

	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "board-agent",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: linkHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{conn: conn, cfg: cfg, cb: cb, log: log}
}

// #endregion constructor

// #region close
// Close shuts down the connection if the client opened it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}

// #endregion close

// #region invoke
func (c *Client) invoke(method string, in, out proto.Message) error {
	_, err := c.cb.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		return struct{}{}, c.conn.Invoke(ctx, fullMethod(method), in, out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w", method, err)
		}
		c.log.Warn().Err(err).Str("method", method).Msg("board agent call failed")
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// linkHealthy reports whether err leaves the link to the agent healthy.
// Status codes the agent itself chose are application answers, not
// transport failures, and must not trip the breaker.
func linkHealthy(err error) bool {
	switch status.Code(err) {
	case codes.OK, codes.InvalidArgument, codes.FailedPrecondition,
		codes.AlreadyExists, codes.NotFound, codes.OutOfRange:
		return true
	}
	return false
}

// #endregion invoke

// #region probe
func (c *Client) FetchAlert() (guardian.Alert, bool) {
	out := &structpb.Struct{}
	if err := c.invoke(methodFetchAlert, &emptypb.Empty{}, out); err != nil {
		return guardian.Alert{}, false
	}
	a, ok, err := decodeAlert(out)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed alert from board agent")
		return guardian.Alert{}, false
	}
	return a, ok
}

func (c *Client) PollBist(block guardian.BlockID) (guardian.BistResult, bool) {
	out := &wrapperspb.StringValue{}
	if err := c.invoke(methodPollBist, encodeBlock(block), out); err != nil {
		return guardian.BistUnknown, false
	}
	if out.GetValue() == "" {
		return guardian.BistUnknown, false
	}
	r, err := guardian.ParseBistResult(out.GetValue())
	if err != nil {
		c.log.Warn().Err(err).Uint16("block", uint16(block)).Msg("malformed bist result")
		return guardian.BistUnknown, true
	}
	return r, true
}

func (c *Client) PollReconfig() (guardian.ReconfigResult, bool) {
	out := &wrapperspb.StringValue{}
	if err := c.invoke(methodPollReconfig, &emptypb.Empty{}, out); err != nil {
		return 0, false
	}
	if out.GetValue() == "" {
		return 0, false
	}
	r, err := guardian.ParseReconfigResult(out.GetValue())
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed reconfig result")
		return guardian.ReconfigFailure, true
	}
	return r, true
}

// #endregion probe

// #region actuator
func (c *Client) StartBist(block guardian.BlockID) error {
	return c.invoke(methodStartBist, encodeBlock(block), &emptypb.Empty{})
}

func (c *Client) StartReconfig(block guardian.BlockID) error {
	return c.invoke(methodStartReconfig, encodeBlock(block), &emptypb.Empty{})
}

// #endregion actuator
