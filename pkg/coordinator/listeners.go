package coordinator

import (
	"context"

	"binsys/pkg/bus"
	"binsys/pkg/module"
)

// ListenBus subscribes the coordinator to its request channels: module loads,
// group loads, and public API calls. Handlers run the actual work in their
// own goroutines so publishers never block on a load. The returned stop
// function removes every subscription.
func (c *Coordinator) ListenBus(ctx context.Context) func() {
	subs := []*bus.Subscription{
		c.bus.Subscribe(bus.ChannelModuleLoadRequest, func(msg bus.Message) {
			c.handleLoadRequest(ctx, msg)
		}),
		c.bus.Subscribe(bus.ChannelGroupLoadRequest, func(msg bus.Message) {
			c.handleGroupLoadRequest(ctx, msg)
		}),
		c.bus.Subscribe(bus.ChannelModuleAPIRequest, func(msg bus.Message) {
			c.handleAPIRequest(ctx, msg)
		}),
	}

	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

func (c *Coordinator) handleLoadRequest(ctx context.Context, msg bus.Message) {
	req, ok := msg.Payload().(bus.ModuleLoadRequest)
	if !ok {
		c.log.Warn("Dropping malformed module load request", "channel", msg.Channel, "message_id", msg.ID)
		return
	}

	go func() {
		err := c.LoadModuleForUser(ctx, req.ModuleName, req.UserID, req.Priority)
		c.respondLoad(msg, nil, err)
	}()
}

func (c *Coordinator) handleGroupLoadRequest(ctx context.Context, msg bus.Message) {
	req, ok := msg.Payload().(bus.GroupLoadRequest)
	if !ok {
		c.log.Warn("Dropping malformed group load request", "channel", msg.Channel, "message_id", msg.ID)
		return
	}

	go func() {
		loaded, err := c.LoadGroupForUser(ctx, req.GroupName, req.UserID)
		c.respondLoad(msg, loaded, err)
	}()
}

// respondLoad acknowledges a load request when the sender asked for a reply.
// Fire-and-forget publishes make Respond a no-op.
func (c *Coordinator) respondLoad(msg bus.Message, loaded []string, err error) {
	response := bus.LoadResponse{Ok: err == nil, Loaded: loaded}
	if err != nil {
		response.Error = err.Error()
	}

	c.bus.Respond(msg, response)
}

func (c *Coordinator) handleAPIRequest(ctx context.Context, msg bus.Message) {
	req, ok := msg.Payload().(bus.APIRequest)
	if !ok {
		c.log.Warn("Dropping malformed module API request", "channel", msg.Channel, "message_id", msg.ID)
		return
	}

	go func() {
		callCtx := ctx
		if req.UserID != "" {
			callCtx = module.WithUser(ctx, req.UserID)
		}

		result, err := c.CallModuleAPI(callCtx, req.ModuleName, req.Method, req.Params)
		response := bus.APIResponse{Result: result}
		if err != nil {
			c.log.Warn("Module API call failed", "module", req.ModuleName, "method", req.Method, "error", err)
			response = bus.APIResponse{Error: err.Error()}
		}

		c.bus.Respond(msg, response)
	}()
}
