package dispatch

import (
	"context"
	"encoding/json"

	"github.com/nicebartender/canvas-relay/batch"
)

// Call is one command in a batch. Channel overrides the batch's default
// channel for this call.
type Call struct {
	Channel string         `json:"channel,omitempty"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// ExecuteBatch runs calls through the batch executor against the broker at
// url. Each call goes to the pooled client of its channel, or of channel when
// the call names none. Each outcome carries the call and either its raw
// result or the error text.
func (p *Pool) ExecuteBatch(ctx context.Context, url, channel string, calls []Call, opts batch.Options, execOpts ...ExecuteOption) []batch.Outcome[Call, json.RawMessage] {
	return batch.Run(ctx, calls, func(ctx context.Context, call Call) (json.RawMessage, error) {
		target := channel
		if call.Channel != "" {
			target = call.Channel
		}
		c, err := p.Get(ctx, url, target)
		if err != nil {
			return nil, err
		}
		return c.Execute(ctx, call.Command, call.Params, execOpts...)
	}, opts)
}
