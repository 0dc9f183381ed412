package utskick

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("email not found")

// Status is the dispatch lifecycle state of an email
type Status string

const StatusPending Status = "pending"
const StatusScheduled Status = "scheduled"
const StatusSent Status = "sent"
const StatusFailed Status = "failed"

var Statuses = []Status{StatusPending, StatusScheduled, StatusSent, StatusFailed}

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further status transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// DeliveryStatus tracks what happened to an email after it was sent. It is independent of Status.
type DeliveryStatus string

const DeliveryNA DeliveryStatus = "N/A"
const DeliveryDelivered DeliveryStatus = "delivered"
const DeliveryBounced DeliveryStatus = "bounced"
const DeliveryOpened DeliveryStatus = "opened"

func (d DeliveryStatus) String() string {
	return string(d)
}

// Column names read from an uploaded row
const ColumnCompanyName = "companyName"
const ColumnEmail = "email"

// Row is one line of an uploaded dataset, column name to value.
type Row map[string]string

type Dataset struct {
	Headers []string `json:"headers"`
	Rows    []Row    `json:"rows"`
}

type Email struct {
	ID             string         `json:"id"`
	BatchID        string         `json:"batch_id"`
	CompanyName    string         `json:"company_name"`
	Address        string         `json:"email"`
	Status         Status         `json:"status"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	ScheduledTime  *time.Time     `json:"scheduled_time,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no memory with e.
func (e Email) Clone() Email {
	if e.ScheduledTime != nil {
		t := *e.ScheduledTime
		e.ScheduledTime = &t
	}
	return e
}

// StatusEvent is published on every status transition of an email.
type StatusEvent struct {
	ID      string    `json:"id"`
	BatchID string    `json:"batch_id"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
}

// Analytics is an aggregate over all emails known to a scheduler.
type Analytics struct {
	Total        int     `json:"total"`
	Sent         int     `json:"sent"`
	Pending      int     `json:"pending"`
	Scheduled    int     `json:"scheduled"`
	Failed       int     `json:"failed"`
	ResponseRate float64 `json:"response_rate"`
}
