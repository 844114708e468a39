/*
Package identity maps internal actors to the ids each provider knows them by.

A mapping is keyed by (provider, actor) and holds exactly one current
external id. Record never deletes: when a provider answers with a different
id the old one moves to Superseded with the time it was replaced. Resolve is
on the hot path of every outbound call, so hits are served from an
in-process cache that expires after a TTL; misses always go to the store.
*/
package identity
