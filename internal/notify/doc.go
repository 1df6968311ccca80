// Package notify delivers probe failure alerts through an async pipeline:
// bounded queue, worker pool, token-bucket rate limit and retry with
// backoff. Delivery is best-effort; a full queue drops rather than blocks
// the scheduler path.
package notify
