package charity

import (
	"fmt"
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

// BatchSize is the number of recipients per sendMessageBatch call.
const BatchSize = 50

// BatchPause separates consecutive batches.
const BatchPause = 2 * time.Second

const bulkMessageSchema = `{
  "type": "object",
  "required": ["messageType", "content", "senderId"],
  "properties": {
    "messageType": {"enum": ["sms", "email"]},
    "content": {"type": "string", "minLength": 1},
    "subject": {"type": "string"},
    "recipientFilter": {"type": "object"},
    "senderId": {"type": "string", "minLength": 1}
  }
}`

// BulkMessageResult is what bulk-message completes with.
type BulkMessageResult struct {
	ReportID        string `json:"reportId"`
	TotalRecipients int    `json:"totalRecipients"`
	Success         int    `json:"success"`
	Failed          int    `json:"failed"`
}

type bulkState struct {
	in         BulkMessage
	phase      int
	recipients []Recipient
	batch      int
	totals     BatchResult
}

const (
	bulkFetch = iota
	bulkSend
	bulkSent
	bulkPaused
	bulkReport
)

// BulkMessageWorkflow sends one message to every matching recipient in
// batches and records a report.
func BulkMessageWorkflow() api.WorkflowDefinition {
	def := api.Define("bulk-message",
		func(in BulkMessage) *bulkState { return &bulkState{in: in} },
		stepBulkMessage)
	def.InputSchema = bulkMessageSchema
	return def
}

func (s *bulkState) batches() int {
	return (len(s.recipients) + BatchSize - 1) / BatchSize
}

func stepBulkMessage(wc api.Context, s *bulkState) api.StepResult {
	switch s.phase {
	case bulkFetch:
		s.phase = bulkSend
		return api.CallActivity("fetchRecipients", s.in.RecipientFilter)

	case bulkSend:
		if err := wc.Result(&s.recipients); err != nil {
			return api.Fail(err)
		}
		if len(s.recipients) == 0 {
			return api.Fail(api.NewFatalError("No recipients found matching the filter criteria"))
		}
		wc.Logger().Info("sending bulk message",
			"type", s.in.MessageType,
			"recipients", len(s.recipients),
			"batches", s.batches(),
		)
		return s.sendBatch()

	case bulkSent:
		var res BatchResult
		if err := wc.Result(&res); err != nil {
			return api.Fail(err)
		}
		s.totals.Success += res.Success
		s.totals.Failed += res.Failed
		s.batch++
		if s.batch < s.batches() {
			s.phase = bulkPaused
			return api.Sleep(BatchPause)
		}
		s.phase = bulkReport
		return api.CallActivity("createMessageReport", ReportArgs{
			MessageType:     s.in.MessageType,
			Content:         s.in.Content,
			SenderID:        s.in.SenderID,
			TotalRecipients: len(s.recipients),
			Success:         s.totals.Success,
			Failed:          s.totals.Failed,
		})

	case bulkPaused:
		return s.sendBatch()

	case bulkReport:
		var report MessageReport
		if err := wc.Result(&report); err != nil {
			return api.Fail(err)
		}
		return api.Complete(BulkMessageResult{
			ReportID:        report.ID,
			TotalRecipients: len(s.recipients),
			Success:         s.totals.Success,
			Failed:          s.totals.Failed,
		})
	}
	return api.Fail(fmt.Errorf("bulk-message: unknown phase %d", s.phase))
}

func (s *bulkState) sendBatch() api.StepResult {
	s.phase = bulkSent
	end := (s.batch + 1) * BatchSize
	if end > len(s.recipients) {
		end = len(s.recipients)
	}
	return api.CallActivity("sendMessageBatch", Batch{
		MessageType: s.in.MessageType,
		Content:     s.in.Content,
		Subject:     s.in.Subject,
		Recipients:  s.recipients[s.batch*BatchSize : end],
	})
}
