// Package browserpool manages headless-browser automation contexts.
// One shared engine (a browserless/chrome container driven over the
// Chrome DevTools Protocol) backs many logically separate contexts,
// one page per context, created lazily on first use. Contexts are
// indexed by ID; sessions hold only the ID. Idle contexts are reaped
// on an interval independent of session expiry.
package browserpool
