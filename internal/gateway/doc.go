// Package gateway composes routing, rate limiting, authentication, load
// balancing and metrics into the request pipeline.
//
// # Pipeline
//
// A request passes the stages in order and stops at the first failure:
//
//	new → middleware → routed → rate_checked → authed → forwarded → metrics_recorded → done
//
// Middleware vetoes (403) and unmatched paths (404) are not attributed to
// any route. Every later outcome is recorded in the metrics collector
// under the route path with the time elapsed since the request entered
// the pipeline.
//
// # Usage
//
//	gw, err := gateway.New(gateway.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer gw.Close()
//
//	_ = gw.AddRoute(router.NewRoute("/api/users/{id}", "GET", "users"))
//	_ = gw.AddService(backend.NewService("users", "10.0.0.1:8080"))
//
//	resp := gw.HandleRequest(ctx, &gateway.Request{Path: "/api/users/7"}, "client-1")
package gateway
