// Package dispatch holds the domain types and collaborator contracts shared by the
// circle notification service.
package dispatch

import "errors"

// Recipient is a user document as seen by the dispatcher. Empty strings mean
// the field is absent on the record.
type Recipient struct {
	ID          string
	GroupCode   string
	Role        string
	InlineToken string
}

// Payload is the notification sent to one recipient.
type Payload struct {
	Title string
	Body  string
	Data  map[string]string
}

// Clone returns a copy whose Data map can be mutated independently.
func (p Payload) Clone() Payload {
	out := Payload{Title: p.Title, Body: p.Body}
	if len(p.Data) > 0 {
		out.Data = make(map[string]string, len(p.Data))
		for k, v := range p.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Location is a recipient's last-known position. A nil coordinate is unknown.
type Location struct {
	Latitude  *float64
	Longitude *float64
}

// SendResult is the per-token outcome of a multicast send.
type SendResult struct {
	Receipt string
	Err     error
}

// Outcome classifies what happened to one recipient.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// SkipReason says why a recipient was left out before any send.
type SkipReason string

const (
	SkipExcludedSender SkipReason = "excluded-sender"
	SkipRoleMismatch   SkipReason = "role-mismatch"
	SkipNoToken        SkipReason = "no-token"
)

// Result is the tagged outcome for one recipient. Reason is set for skipped
// entries, Receipt for sent ones and Err for failed ones.
type Result struct {
	RecipientID string
	Outcome     Outcome
	Reason      SkipReason
	Receipt     string
	Err         error
}

// Sent records a delivered notification and its gateway receipt.
func Sent(id, receipt string) Result {
	return Result{RecipientID: id, Outcome: OutcomeSent, Receipt: receipt}
}

// Skipped records a recipient that was filtered out.
func Skipped(id string, reason SkipReason) Result {
	return Result{RecipientID: id, Outcome: OutcomeSkipped, Reason: reason}
}

// Failed records a recipient whose lookup or send errored.
func Failed(id string, err error) Result {
	return Result{RecipientID: id, Outcome: OutcomeFailed, Err: err}
}

// TimedOut reports whether a failed result was caused by the gateway deadline.
func (r Result) TimedOut() bool {
	return r.Outcome == OutcomeFailed && errors.Is(r.Err, ErrTimeout)
}

// Counts tallies a batch by outcome, with skips broken down by reason.
type Counts struct {
	Sent    int                `json:"sent"`
	Skipped int                `json:"skipped"`
	Failed  int                `json:"failed"`
	Reasons map[SkipReason]int `json:"skipReasons,omitempty"`
}

// Batch is the aggregated result of one group dispatch. Results has exactly one
// entry per recipient the selector resolved, in directory order.
type Batch struct {
	ID      string
	Results []Result
}

// Empty is true when the selector matched nobody.
func (b *Batch) Empty() bool { return len(b.Results) == 0 }

func (b *Batch) Sent() []Result    { return b.filter(OutcomeSent) }
func (b *Batch) Skipped() []Result { return b.filter(OutcomeSkipped) }
func (b *Batch) Failed() []Result  { return b.filter(OutcomeFailed) }

// Delivered returns the externally visible entries: everything that was not skipped.
func (b *Batch) Delivered() []Result {
	out := make([]Result, 0, len(b.Results))
	for _, r := range b.Results {
		if r.Outcome != OutcomeSkipped {
			out = append(out, r)
		}
	}
	return out
}

func (b *Batch) Counts() Counts {
	c := Counts{Reasons: map[SkipReason]int{}}
	for _, r := range b.Results {
		switch r.Outcome {
		case OutcomeSent:
			c.Sent++
		case OutcomeSkipped:
			c.Skipped++
			c.Reasons[r.Reason]++
		case OutcomeFailed:
			c.Failed++
		}
	}
	return c
}

func (b *Batch) filter(o Outcome) []Result {
	var out []Result
	for _, r := range b.Results {
		if r.Outcome == o {
			out = append(out, r)
		}
	}
	return out
}
