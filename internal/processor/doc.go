// Package processor turns dequeued jobs into domain actions. All four
// processors (chat, generation, browser, edit) share one execution
// state machine, implemented by Driver; each Action contributes only
// the payload decoding, task resolution, and the domain call itself.
package processor
