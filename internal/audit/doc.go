// Package audit turns the server change log into readable history.
//
// Summarize is pure: given one change-log entry and the display name of
// the user who made it, it produces a sentence such as "Ana changed status
// to done". History fetches entries through the remote backend and
// resolves user names from the local store.
package audit
