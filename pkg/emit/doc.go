/*
Package emit turns completed service calls into emitted events.

OnSuccess is a higher-order wrapper: it takes a service function of shape
func(ctx, args) (result, error) and returns the same shape. After the
inner function returns without error, an event of the configured type is
constructed and handed to the runtime bus, fire-and-forget. The service
caller always receives the inner result unchanged; a failing service call
emits nothing, and no failure of the event subsystem ever reaches the
caller.

	updateOrderStatus := emit.OnSuccess(
		events.TypeOrderStatusChanged,
		svc.UpdateOrderStatus,
		emit.WithDataExtractor(func(args, result any) (map[string]any, error) {
			req := args.(UpdateStatusRequest)
			return map[string]any{
				"order_id":     req.OrderID,
				"old_state_id": req.OldStateID,
				"new_state_id": req.NewStateID,
			}, nil
		}),
		emit.WithSource("order_service.update_order_status"),
	)

Without an explicit extractor the wrapper harvests the conventional
identifier keys (order_id, id_order, id, customer_id, product_id) from a
map-typed argument. Prefer an explicit extractor per call site; the
default exists for the simplest cases only.
*/
package emit
