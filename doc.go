// Package fanout is the request loader and cache orchestration layer of a
// gateway that answers one query by calling many upstream HTTP services.
//
// For every inbound query a Factory builds two fresh loader sets bound to the
// request identity: Authenticated loaders, which need an end-user token and
// fail with Unauthenticated before any network call when it is absent, and
// Unauthenticated loaders, which run with the application credential or no
// identity. Each loader call goes through:
//
//   - the Cache Store: namespaced, TTL-bound, zstd-compressed above a size
//     threshold, backed by ttlcache or redis; slow reads are misses
//   - the Coalescer: identical concurrent calls share one dispatch, and
//     dispatches to one endpoint are spaced by its throttle interval
//   - the Signer, for trusted services, and the CredentialManager for the
//     application token
//   - Classify, mapping every outcome onto a *LoaderError Kind
//
// Typical usage:
//
//	cfg, err := fanout.LoadConfig("fanout.yaml")
//	gw, err := fanout.Build(cfg)
//	_ = gw.Start(ctx)
//	defer gw.Shutdown(ctx)
//
//	loaders := gw.ForRequest(fanout.RequestContext{UserToken: token})
//	resp, err := loaders.Unauthenticated["artwork"].Load(ctx, "42", nil)
//	if errors.Is(err, fanout.ErrNotFound) {
//	    // render null
//	}
//
// Loaders never return raw transport errors. Timeout and UpstreamError are
// transient (see IsTransient); this layer does not retry.
package fanout
