// Package report collects per-call outcomes of an Invoker.
package report

import "github.com/ozontech/callflow/client"

// Reporter observes calls until Close. Run blocks until Close is called and
// everything observed so far is written out.
type Reporter interface {
	client.Observer
	Run() error
	Close() error
}
