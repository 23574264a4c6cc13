package charity

import (
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

const (
	RoleDistrictManager = "district_manager"
	RoleFinanceManager  = "finance_manager"
)

const dualApprovalSchema = `{
  "type": "object",
  "required": ["id", "needyPersonId", "applicationType", "requestedAmount", "submittedBy"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "needyPersonId": {"type": "string", "minLength": 1},
    "applicationType": {"enum": ["cash", "food", "clothing", "education", "health"]},
    "requestedAmount": {"type": "number", "minimum": 0},
    "description": {"type": "string"},
    "submittedBy": {"type": "string", "minLength": 1}
  }
}`

// FirstApprovalToken is the hook token of the first approval stage.
func FirstApprovalToken(applicationID string) string { return "approval:first:" + applicationID }

// SecondApprovalToken is the hook token of the second approval stage.
func SecondApprovalToken(applicationID string) string { return "approval:second:" + applicationID }

// ApprovalMetadata is attached to approval hooks for approver UIs.
type ApprovalMetadata struct {
	ApplicationID string    `json:"applicationId"`
	Stage         string    `json:"stage"`
	RequiredRole  string    `json:"requiredRole"`
	FirstApproval *Approval `json:"firstApproval,omitempty"`
}

// DualApprovalResult is what dual-approval completes with. Status is one
// of approved, rejected_first or rejected_second.
type DualApprovalResult struct {
	ApplicationID string    `json:"applicationId"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	AidID         string    `json:"aidId,omitempty"`
	First         *Approval `json:"firstApproval,omitempty"`
	Second        *Approval `json:"secondApproval,omitempty"`
}

const (
	dualSave = iota
	dualNotifyFirst
	dualAwaitFirst
	dualFirstDecided
	dualNotifySecond
	dualAwaitSecond
	dualSecondDecided
	dualApproved
	dualFinalize
	dualNotifyApplicant
	dualRejected
	dualDone
)

type dualState struct {
	in     ApplicationRequest
	phase  int
	first  Approval
	second Approval
	aid    AidRecord
	result DualApprovalResult
}

// DualApprovalWorkflow requires a district manager and then a finance
// manager to approve an application before aid is created.
func DualApprovalWorkflow() api.WorkflowDefinition {
	def := api.Define("dual-approval",
		func(in ApplicationRequest) *dualState { return &dualState{in: in} },
		stepDualApproval)
	def.InputSchema = dualApprovalSchema
	return def
}

func stepDualApproval(wc api.Context, s *dualState) api.StepResult {
	id := s.in.ID
	switch s.phase {
	case dualSave:
		s.phase = dualNotifyFirst
		return api.CallActivity("saveApplication", s.in)

	case dualNotifyFirst:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		s.phase = dualAwaitFirst
		return api.CallActivity("notifyApprovers", ApproverNotice{Role: RoleDistrictManager, ApplicationID: id})

	case dualAwaitFirst:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		s.phase = dualFirstDecided
		wc.Logger().Info("waiting for first approval", "token", FirstApprovalToken(id))
		return api.WaitHook(FirstApprovalToken(id), ApprovalMetadata{
			ApplicationID: id,
			Stage:         "first",
			RequiredRole:  RoleDistrictManager,
		})

	case dualFirstDecided:
		if err := wc.Result(&s.first); err != nil {
			return api.Fail(err)
		}
		if !s.first.Approved {
			return s.reject("rejected_first", s.first)
		}
		s.phase = dualNotifySecond
		return api.CallActivity("updateApplicationStatus", StatusUpdate{
			ApplicationID: id,
			Status:        "pending_second_approval",
			ApprovedBy:    s.first.ApprovedBy,
			Comment:       s.first.Comment,
		})

	case dualNotifySecond:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		s.phase = dualAwaitSecond
		return api.CallActivity("notifyApprovers", ApproverNotice{Role: RoleFinanceManager, ApplicationID: id})

	case dualAwaitSecond:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		s.phase = dualSecondDecided
		first := s.first
		wc.Logger().Info("waiting for second approval", "token", SecondApprovalToken(id))
		return api.WaitHook(SecondApprovalToken(id), ApprovalMetadata{
			ApplicationID: id,
			Stage:         "second",
			RequiredRole:  RoleFinanceManager,
			FirstApproval: &first,
		})

	case dualSecondDecided:
		if err := wc.Result(&s.second); err != nil {
			return api.Fail(err)
		}
		if !s.second.Approved {
			return s.reject("rejected_second", s.second)
		}
		s.phase = dualApproved
		return api.CallActivity("updateApplicationStatus", StatusUpdate{
			ApplicationID: id,
			Status:        "approved",
			ApprovedBy:    s.second.ApprovedBy,
			Comment:       s.second.Comment,
		})

	case dualApproved:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		s.phase = dualFinalize
		return api.Sleep(5 * time.Second)

	case dualFinalize:
		s.phase = dualNotifyApplicant
		return api.CallActivity("finalizeApproval", FinalizeArgs{Application: s.in, First: s.first, Second: s.second})

	case dualNotifyApplicant:
		if err := wc.Result(&s.aid); err != nil {
			return api.Fail(err)
		}
		s.phase = dualDone
		first, second := s.first, s.second
		s.result = DualApprovalResult{
			ApplicationID: id,
			Status:        "approved",
			AidID:         s.aid.ID,
			First:         &first,
			Second:        &second,
		}
		return api.CallActivity("notifyApplicant", ApplicantNotice{NeedyPersonID: s.in.NeedyPersonID, Status: "approved"})

	case dualRejected:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		s.phase = dualDone
		return api.CallActivity("notifyApplicant", ApplicantNotice{NeedyPersonID: s.in.NeedyPersonID, Status: "rejected"})
	}

	if err := wc.Result(nil); err != nil {
		return api.Fail(err)
	}
	return api.Complete(s.result)
}

func (s *dualState) reject(status string, a Approval) api.StepResult {
	s.phase = dualRejected
	s.result = DualApprovalResult{ApplicationID: s.in.ID, Status: status, Reason: a.Comment}
	if status == "rejected_second" {
		first := s.first
		s.result.First = &first
	}
	return api.CallActivity("updateApplicationStatus", StatusUpdate{
		ApplicationID: s.in.ID,
		Status:        status,
		ApprovedBy:    a.ApprovedBy,
		Comment:       a.Comment,
	})
}
