/*
Package health provides reachability checks for provider status endpoints.

HTTPChecker issues a GET against a configured health URL and treats a status
in the expected range as healthy. Tracker keeps a Status per named checker so
the agent loop can tell a single failed probe (flapping, reported as
degraded) from a provider that has failed Retries times in a row (reported as
error).

	tracker := health.NewTracker(health.Config{Timeout: 5 * time.Second, Retries: 3})
	tracker.Add("provider:pos", health.NewHTTPChecker(url).WithBearer(token))
	result, status, _ := tracker.Check(ctx, "provider:pos")
*/
package health
