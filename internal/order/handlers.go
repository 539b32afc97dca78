package order

import (
	"context"
	"fmt"

	"execution-core/internal/events"
)

// RegisterEndpoints exposes order.submit and order.cancel on the router.
// It refuses to run before recovery so no command is accepted early.
func (e *Executor) RegisterEndpoints() error {
	if !e.ready {
		return ErrNotReady
	}
	if err := e.router.Register(events.EndpointOrderSubmit, e.handleSubmit); err != nil {
		return err
	}
	return e.router.Register(events.EndpointOrderCancel, e.handleCancel)
}

// handleSubmit returns once the order is pre-tracked; the submit itself
// completes asynchronously.
func (e *Executor) handleSubmit(ctx context.Context, req any) (any, error) {
	var r SubmitRequest
	switch v := req.(type) {
	case SubmitRequest:
		r = v
	case *SubmitRequest:
		if v == nil {
			return nil, fmt.Errorf("%s: nil request", events.EndpointOrderSubmit)
		}
		r = *v
	default:
		return nil, fmt.Errorf("%s: unexpected request type %T", events.EndpointOrderSubmit, req)
	}

	o, err := e.PlaceOrderAsync(ctx, r, nil)
	if err != nil {
		return nil, err
	}
	return SubmitResponse{OrderID: o.ClientOrderID}, nil
}

func (e *Executor) handleCancel(ctx context.Context, req any) (any, error) {
	var id string
	switch v := req.(type) {
	case CancelRequest:
		id = v.OrderID
	case *CancelRequest:
		if v == nil {
			return nil, fmt.Errorf("%s: nil request", events.EndpointOrderCancel)
		}
		id = v.OrderID
	case string:
		id = v
	default:
		return nil, fmt.Errorf("%s: unexpected request type %T", events.EndpointOrderCancel, req)
	}

	if err := e.CancelOrderAsync(context.WithoutCancel(ctx), id, nil); err != nil {
		return CancelResponse{Success: false}, err
	}
	return CancelResponse{Success: true}, nil
}
