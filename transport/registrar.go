package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maxpert/liveq/watcher"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// registerRequest is the body sent to the query service
type registerRequest struct {
	ClientID      uint64                 `json:"client_id"`
	OperationName string                 `json:"operation_name"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// registerReply is the query service's answer
type registerReply struct {
	Topics  []string               `json:"topics"`
	Routing map[string]interface{} `json:"routing,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Registrar registers operations over NATS request-reply
type Registrar struct {
	nc       *nats.Conn
	subject  string
	clientID uint64
}

// NewRegistrar creates a registrar that sends requests to subject
func NewRegistrar(nc *nats.Conn, subject string, clientID uint64) *Registrar {
	return &Registrar{nc: nc, subject: subject, clientID: clientID}
}

// Register sends the operation and returns the topics to bind. Transport
// failures and rejections are plain errors; unreadable replies wrap
// watcher.ErrRegistrationParse.
func (r *Registrar) Register(ctx context.Context, op watcher.Operation) (watcher.Registration, error) {
	body, err := json.Marshal(registerRequest{
		ClientID:      r.clientID,
		OperationName: op.Name,
		Query:         op.Query,
		Variables:     op.Variables,
	})
	if err != nil {
		return watcher.Registration{}, fmt.Errorf("encode registration: %w", err)
	}

	msg, err := r.nc.RequestWithContext(ctx, r.subject, body)
	if err != nil {
		return watcher.Registration{}, fmt.Errorf("registration request to %s: %w", r.subject, err)
	}

	data, err := decodeFrame(msg)
	if err != nil {
		return watcher.Registration{}, fmt.Errorf("%w: %v", watcher.ErrRegistrationParse, err)
	}

	var reply registerReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return watcher.Registration{}, fmt.Errorf("%w: %v", watcher.ErrRegistrationParse, err)
	}

	if reply.Error != "" {
		return watcher.Registration{}, fmt.Errorf("registration rejected: %s", reply.Error)
	}
	if len(reply.Topics) == 0 {
		return watcher.Registration{}, fmt.Errorf("%w: reply has no topics", watcher.ErrRegistrationParse)
	}

	log.Debug().Str("operation", op.Name).Strs("topics", reply.Topics).Msg("Operation registered")

	return watcher.Registration{Topics: reply.Topics, Routing: reply.Routing}, nil
}
