package reader

import "fmt"

// FetchFailedError tells the orchestrator to rerun the stage that produced
// the shuffle. It is only returned after the metadata service agreed to
// escalate.
type FetchFailedError struct {
	AppShuffleID int
	ShuffleID    int
	Partition    int
	Cause        error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch failed for shuffle %d (app shuffle %d) partition %d: %v",
		e.ShuffleID, e.AppShuffleID, e.Partition, e.Cause)
}

func (e *FetchFailedError) Unwrap() error { return e.Cause }
