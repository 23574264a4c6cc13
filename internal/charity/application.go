package charity

import (
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

const applicationSchema = `{
  "type": "object",
  "required": ["id", "applicationType", "approvedBy"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "needyPersonId": {"type": "string"},
    "applicationType": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "minimum": 0},
    "approvedBy": {"type": "string", "minLength": 1}
  }
}`

// ApplicationResult is what application-approval completes with.
type ApplicationResult struct {
	ApplicationID string `json:"applicationId"`
	AidID         string `json:"aidId"`
	Status        string `json:"status"`
}

type applicationState struct {
	in          ApplicationData
	step        int
	application ApplicationRecord
}

// ApplicationApprovalWorkflow runs after an application is approved: it
// records the decision, notifies the applicant, waits a minute, informs
// finance and creates the aid record.
func ApplicationApprovalWorkflow() api.WorkflowDefinition {
	def := api.Define("application-approval",
		func(in ApplicationData) *applicationState { return &applicationState{in: in} },
		stepApplication)
	def.InputSchema = applicationSchema
	return def
}

func stepApplication(wc api.Context, s *applicationState) api.StepResult {
	s.step++
	switch s.step {
	case 1:
		wc.Logger().Info("starting application approval", "application_id", s.in.ID)
		return api.CallActivity("updateApplicationStatus", StatusUpdate{
			ApplicationID: s.in.ID,
			Status:        "approved",
			ApprovedBy:    s.in.ApprovedBy,
		})
	case 2:
		if err := wc.Result(&s.application); err != nil {
			return api.Fail(err)
		}
		return api.CallActivity("sendApprovalNotification", ApprovalNotice{
			NeedyPersonID:   s.in.NeedyPersonID,
			ApplicationType: s.in.ApplicationType,
		})
	case 3:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		return api.Sleep(time.Minute)
	case 4:
		return api.CallActivity("notifyFinanceTeam", s.application)
	case 5:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		return api.CallActivity("createAidRecord", s.in)
	}

	var aid AidRecord
	if err := wc.Result(&aid); err != nil {
		return api.Fail(err)
	}
	return api.Complete(ApplicationResult{ApplicationID: s.in.ID, AidID: aid.ID, Status: "completed"})
}
