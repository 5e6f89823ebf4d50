package domain

import "time"

// Source identifies which detector produced a close.
type Source string

const (
	SourcePoll   Source = "poll"
	SourceStream Source = "stream"
	SourceManual Source = "manual"
)

// CloseResult is the outcome of one close attempt.
type CloseResult struct {
	PositionID string
	Strategy   Strategy
	Reason     CloseReason
	Success    bool
	Recorded   bool // this attempt performed the open → closed transition
	ClosePrice float64
	PnL        float64
	OrderIDs   []string
	Err        error
}

// CloseEvent is emitted once per position, by the attempt that recorded the close.
type CloseEvent struct {
	Position   Position
	Reason     CloseReason
	ClosePrice float64
	PnL        float64
	PriceDelta float64
	OrderIDs   []string
	Source     Source
	At         time.Time
}

// CloseFailure reports a close the venue rejected or only partially executed.
// The position stays open and is retried on the next pass.
type CloseFailure struct {
	Position   Position
	Reason     CloseReason
	PendingLeg Leg
	Err        string
	At         time.Time
}

// ReevalVerdict is the outcome of a Level 2 re-evaluation.
type ReevalVerdict string

const (
	VerdictHold  ReevalVerdict = "HOLD"
	VerdictAlert ReevalVerdict = "ALERT"
	VerdictSold  ReevalVerdict = "SOLD"
)

// ReevalEvent reports a Level 2 re-evaluation that needs operator attention
// (ALERT) or that sold the position (SOLD).
type ReevalEvent struct {
	Position       Position
	Verdict        ReevalVerdict
	Reason         CloseReason
	CurrentPrice   float64
	NewProbability float64
	OurEdge        float64
	MovePct        float64
	Confidence     string
	PnL            float64
	At             time.Time
}
