package charity

import (
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

const donationSchema = `{
  "type": "object",
  "required": ["id", "donorName", "amount", "currency", "category"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "donorName": {"type": "string", "minLength": 1},
    "donorEmail": {"type": "string"},
    "donorPhone": {"type": "string"},
    "amount": {"type": "number"},
    "currency": {"type": "string", "minLength": 3, "maxLength": 3},
    "donationType": {"enum": ["cash", "bank", "online"]},
    "category": {"enum": ["general", "zakat", "sadaka", "fitre", "kurban"]},
    "createdBy": {"type": "string"}
  }
}`

// DonationResult is what donation-processing completes with.
type DonationResult struct {
	DonationID    string `json:"donationId"`
	ReceiptNumber string `json:"receiptNumber"`
	Status        string `json:"status"`
}

type donationState struct {
	in        Donation
	step      int
	confirmed ConfirmedDonation
	receipt   Receipt
}

// tracksAnnualSummary reports whether category counts towards the yearly
// religious donation summary.
func tracksAnnualSummary(category string) bool {
	return category == "zakat" || category == "fitre"
}

// DonationProcessingWorkflow confirms a donation, issues a receipt, thanks
// the donor and books it.
func DonationProcessingWorkflow() api.WorkflowDefinition {
	def := api.Define("donation-processing",
		func(in Donation) *donationState { return &donationState{in: in} },
		stepDonation)
	def.InputSchema = donationSchema
	return def
}

func stepDonation(wc api.Context, s *donationState) api.StepResult {
	s.step++
	switch s.step {
	case 1:
		if s.in.Amount <= 0 {
			return api.Fail(api.NewFatalError("Donation amount must be greater than 0"))
		}
		return api.CallActivity("confirmDonation", s.in)
	case 2:
		if err := wc.Result(&s.confirmed); err != nil {
			return api.Fail(err)
		}
		return api.CallActivity("generateReceipt", s.confirmed)
	case 3:
		if err := wc.Result(&s.receipt); err != nil {
			return api.Fail(err)
		}
		return api.Sleep(5 * time.Second)
	case 4:
		return api.CallActivity("sendThankYouMessage", s.in)
	case 5:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		return api.CallActivity("createAccountingEntry", AccountingArgs{Donation: s.confirmed, Receipt: s.receipt})
	case 6:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		if tracksAnnualSummary(s.in.Category) {
			return api.CallActivity("updateAnnualDonationSummary", s.in)
		}
		return s.complete()
	}

	if err := wc.Result(nil); err != nil {
		return api.Fail(err)
	}
	return s.complete()
}

func (s *donationState) complete() api.StepResult {
	return api.Complete(DonationResult{
		DonationID:    s.in.ID,
		ReceiptNumber: s.receipt.Number,
		Status:        "completed",
	})
}
