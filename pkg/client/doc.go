/*
Package client is the Go client for a running engine.

Collaborators that cannot link the queue directly submit sync jobs over the
HTTP API:

	c, err := client.NewClient("http://127.0.0.1:9090")
	if err != nil {
		return err
	}
	job, err := c.Enqueue(ctx, queue.EnqueueRequest{
		Operation: types.OpUpdateStock,
		Provider:  types.ProviderPOS,
		Payload:   json.RawMessage(`{"outlet_id":"o-1","product_id":"p-1","count":12}`),
	})

A 400 answer comes back wrapped in ErrRejected and should not be retried.
Any other failure may be retried with the same request; the engine derives
the same idempotency key and returns the existing job.

CheckHealth queries the gRPC health service, for scripts and probes that
prefer it over HTTP.
*/
package client
