// Package metrics provides functionality for observing the runs a registered
// trigger produces. It reads the CronJob status and the retained Jobs to
// aggregate active, succeeded and failed run counts without ever owning the
// run lifecycle itself.
package metrics
