//go:build race

package capture

// sync.Pool drops items at random under the race detector.
const raceEnabled = true
