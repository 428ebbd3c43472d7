// Package capture implements a proctoring capture session: it obtains a
// screen-sharing handle, watches it on a liveness ticker, and on a second
// ticker uploads a resampled PNG of the screen with at most one upload in
// flight. Failures are turned into state transitions and notifications;
// none of them escape to the host.
package capture
