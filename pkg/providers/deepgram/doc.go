// Package deepgram resolves client parameters into a Deepgram live
// transcription target and dials it.
//
// The API key is sent only in the Authorization header. Target.String,
// LogValue and GoString all render a redacted form, so a target can be
// logged without leaking the credential.
package deepgram
