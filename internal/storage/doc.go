// Package storage persists the bot's relational state: users, their chats,
// tracked streamers, and the subscriptions linking chats to streamers.
//
// The per-streamer dedup and rate markers live here too, because their
// check-then-update must be atomic against concurrent deliveries for the
// same streamer; see CheckDuplicateMessage and SwapLastEventTime.
package storage
