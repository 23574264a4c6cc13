// Package charity holds the reference workflows of an aid organisation:
// application approval (single and dual), bulk messaging, donation
// processing and a chat channel listener. The activities are stubs that log
// what a real integration would do.
package charity

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/waypoint/pkg/api"
)

// Registrar is the part of the engine Register needs.
type Registrar interface {
	RegisterWorkflow(def api.WorkflowDefinition) error
	RegisterActivity(def api.ActivityDefinition) error
}

// Register adds every charity workflow and the activities they call.
func Register(r Registrar, acts *Activities) error {
	if acts == nil {
		acts = NewActivities(nil, nil, nil)
	}
	var errs []error
	for _, def := range acts.Definitions() {
		errs = append(errs, r.RegisterActivity(def))
	}
	for _, def := range Workflows() {
		errs = append(errs, r.RegisterWorkflow(def))
	}
	return errors.Join(errs...)
}

// Workflows returns the charity workflow definitions.
func Workflows() []api.WorkflowDefinition {
	return []api.WorkflowDefinition{
		ApplicationApprovalWorkflow(),
		DualApprovalWorkflow(),
		BulkMessageWorkflow(),
		DonationProcessingWorkflow(),
		SlackChannelWorkflow(),
	}
}

// Activities implements the charity activities. Clock stamps records and
// Directory resolves bulk message recipients.
type Activities struct {
	Clock     clockwork.Clock
	Directory RecipientDirectory
	Logger    *slog.Logger
}

// NewActivities fills nil arguments with a real clock, the sample
// directory and the default logger.
func NewActivities(clock clockwork.Clock, dir RecipientDirectory, logger *slog.Logger) *Activities {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if dir == nil {
		dir = SampleDirectory{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{Clock: clock, Directory: dir, Logger: logger.With("module", "charity")}
}

// Definitions lists every activity under the name workflows call it by.
func (a *Activities) Definitions() []api.ActivityDefinition {
	return []api.ActivityDefinition{
		api.Activity("updateApplicationStatus", a.UpdateApplicationStatus),
		api.Activity("sendApprovalNotification", a.SendApprovalNotification),
		api.Activity("notifyFinanceTeam", a.NotifyFinanceTeam),
		api.Activity("createAidRecord", a.CreateAidRecord),
		api.Activity("saveApplication", a.SaveApplication),
		api.Activity("notifyApprovers", a.NotifyApprovers),
		api.Activity("finalizeApproval", a.FinalizeApproval),
		api.Activity("notifyApplicant", a.NotifyApplicant),
		api.Activity("fetchRecipients", a.FetchRecipients),
		api.Activity("sendMessageBatch", a.SendMessageBatch),
		api.Activity("createMessageReport", a.CreateMessageReport),
		api.Activity("confirmDonation", a.ConfirmDonation),
		api.Activity("generateReceipt", a.GenerateReceipt),
		api.Activity("sendThankYouMessage", a.SendThankYouMessage),
		api.Activity("createAccountingEntry", a.CreateAccountingEntry),
		api.Activity("updateAnnualDonationSummary", a.UpdateAnnualDonationSummary),
		api.Activity("getSystemStatus", a.GetSystemStatus),
		api.Activity("postSlackMessage", a.PostSlackMessage),
		api.Activity("createHelpRequest", a.CreateHelpRequest),
	}
}
