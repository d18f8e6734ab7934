package models

import "time"

// OutpassStatus is the warden's decision state. It only ever moves from
// pending to approved or rejected; gate scans never change it.
type OutpassStatus string

const (
	OutpassPending  OutpassStatus = "pending"
	OutpassApproved OutpassStatus = "approved"
	OutpassRejected OutpassStatus = "rejected"
)

// Valid reports whether the status is a known decision state.
func (s OutpassStatus) Valid() bool {
	switch s {
	case OutpassPending, OutpassApproved, OutpassRejected:
		return true
	}
	return false
}

// Decision values accepted by the warden endpoint.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Default time rules. The service layer overrides these from configuration.
const (
	DefaultMissedExitGrace     = time.Hour
	DefaultReturningSoonWindow = 30 * time.Minute
)

// Outpass is a student's timed leave authorization. Rows are permanent audit
// records; they are mutated through guarded updates and never deleted.
type Outpass struct {
	ID           string        `db:"id" json:"id"`
	StudentID    string        `db:"student_id" json:"student_id"`
	StudentName  string        `db:"student_name" json:"student_name"`
	StudentEmail string        `db:"student_email" json:"student_email"`
	Reason       string        `db:"reason" json:"reason"`
	FromTime     time.Time     `db:"from_time" json:"from_time"`
	ToTime       time.Time     `db:"to_time" json:"to_time"`
	Status       OutpassStatus `db:"status" json:"status"`
	ExitTime     *time.Time    `db:"exit_time" json:"exit_time,omitempty"`
	EntryTime    *time.Time    `db:"entry_time" json:"entry_time,omitempty"`
	ScannedExit  bool          `db:"scanned_exit" json:"scanned_exit"`
	ScannedEntry bool          `db:"scanned_entry" json:"scanned_entry"`
	LateReturn   bool          `db:"late_return" json:"late_return"`
	QRToken      *string       `db:"qr_token" json:"-"`
	DecidedBy    *string       `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt    *time.Time    `db:"decided_at" json:"decided_at,omitempty"`
	Version      int           `db:"version" json:"-"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// DisplayStatus is a derived, never persisted classification combining stored
// state with the current time. Every surface (dashboards, gate terminals,
// exports) computes it through this one function.
type DisplayStatus string

const (
	DisplayPending       DisplayStatus = "Pending"
	DisplayRejected      DisplayStatus = "Rejected"
	DisplayReady         DisplayStatus = "Approved - Ready"
	DisplayMissedExit    DisplayStatus = "Expired (missed exit)"
	DisplayOut           DisplayStatus = "Currently Out"
	DisplayOverdue       DisplayStatus = "Late - return immediately"
	DisplayCompleted     DisplayStatus = "Completed"
	DisplayCompletedLate DisplayStatus = "Completed (late)"
)

// DisplayStatus derives the classification at the given instant.
func (o *Outpass) DisplayStatus(now time.Time) DisplayStatus {
	switch o.Status {
	case OutpassPending:
		return DisplayPending
	case OutpassRejected:
		return DisplayRejected
	}

	if o.EntryTime != nil {
		if o.LateReturn {
			return DisplayCompletedLate
		}
		return DisplayCompleted
	}
	if o.ExitTime != nil {
		if now.After(o.ToTime) {
			return DisplayOverdue
		}
		return DisplayOut
	}
	if now.After(o.ToTime) {
		return DisplayMissedExit
	}
	return DisplayReady
}

// CurrentlyOut reports whether the student has exited and not yet returned.
func (o *Outpass) CurrentlyOut() bool {
	return o.Status == OutpassApproved && o.ExitTime != nil && o.EntryTime == nil
}

// Overdue reports whether the student is out past the authorized window.
func (o *Outpass) Overdue(now time.Time) bool {
	return o.CurrentlyOut() && now.After(o.ToTime)
}

// ReturningSoon reports whether the student is out, not overdue, and due back
// within the window.
func (o *Outpass) ReturningSoon(now time.Time, window time.Duration) bool {
	if !o.CurrentlyOut() || now.After(o.ToTime) {
		return false
	}
	return o.ToTime.Sub(now) <= window
}

// ActiveVisible reports whether the record belongs in "active" views. An
// approved pass whose window closed without an exit scan stays visible for
// the grace period, then drops out; the row itself is never mutated for this.
func (o *Outpass) ActiveVisible(now time.Time, grace time.Duration) bool {
	if o.Status != OutpassApproved || o.EntryTime != nil {
		return false
	}
	if o.ExitTime == nil && now.After(o.ToTime.Add(grace)) {
		return false
	}
	return true
}

// OutpassView is the projected record handed to dashboards: the stored row
// plus its derived classification at query time.
type OutpassView struct {
	Outpass
	DisplayStatus DisplayStatus `json:"display_status"`
	Overdue       bool          `json:"overdue"`
	ReturningSoon bool          `json:"returning_soon"`
}

// NewOutpassView projects a record at the given instant.
func NewOutpassView(o Outpass, now time.Time, returningSoonWindow time.Duration) OutpassView {
	return OutpassView{
		Outpass:       o,
		DisplayStatus: o.DisplayStatus(now),
		Overdue:       o.Overdue(now),
		ReturningSoon: o.ReturningSoon(now, returningSoonWindow),
	}
}

// OutpassFilter captures listing criteria.
type OutpassFilter struct {
	StudentID    string
	Status       *OutpassStatus
	CurrentlyOut *bool
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

// Tally is the analytics rollup recomputed on every query.
type Tally struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Approved      int `json:"approved"`
	Rejected      int `json:"rejected"`
	LateReturns   int `json:"late_returns"`
	CurrentlyOut  int `json:"currently_out"`
	Overdue       int `json:"overdue"`
	ReturningSoon int `json:"returning_soon"`
}
