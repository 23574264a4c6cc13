package charity

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/petrijr/waypoint/pkg/api"
)

// RecipientDirectory looks up bulk message recipients.
type RecipientDirectory interface {
	Find(ctx context.Context, filter RecipientFilter) ([]Recipient, error)
}

// SampleDirectory returns two fixed recipients for any filter.
type SampleDirectory struct{}

func (SampleDirectory) Find(ctx context.Context, filter RecipientFilter) ([]Recipient, error) {
	return []Recipient{
		{ID: "1", Name: "Ahmet Yilmaz", Phone: "+905551234567", Email: "ahmet@example.com"},
		{ID: "2", Name: "Fatma Kaya", Phone: "+905559876543", Email: "fatma@example.com"},
	}, nil
}

// StaticDirectory returns the same recipients for any filter.
type StaticDirectory []Recipient

func (d StaticDirectory) Find(ctx context.Context, filter RecipientFilter) ([]Recipient, error) {
	return d, nil
}

func (a *Activities) UpdateApplicationStatus(ctx context.Context, u StatusUpdate) (ApplicationRecord, error) {
	a.Logger.InfoContext(ctx, "updating application status",
		slog.String("application_id", u.ApplicationID),
		slog.String("status", u.Status),
	)
	return ApplicationRecord{
		ID:         u.ApplicationID,
		Status:     u.Status,
		ApprovedBy: u.ApprovedBy,
		UpdatedAt:  a.Clock.Now().UTC(),
	}, nil
}

func (a *Activities) SendApprovalNotification(ctx context.Context, n ApprovalNotice) (Delivery, error) {
	a.Logger.InfoContext(ctx, "sending approval sms", slog.String("needy_person_id", n.NeedyPersonID))
	return Delivery{
		Sent:    true,
		Message: fmt.Sprintf("Your %s application has been approved. Please contact the association for details.", n.ApplicationType),
	}, nil
}

func (a *Activities) NotifyFinanceTeam(ctx context.Context, app ApplicationRecord) (Ack, error) {
	a.Logger.InfoContext(ctx, "notifying finance team", slog.String("application_id", app.ID))
	return Ack{OK: true}, nil
}

// CreateAidRecord fails fatally for applications without a needy person.
func (a *Activities) CreateAidRecord(ctx context.Context, data ApplicationData) (AidRecord, error) {
	if data.NeedyPersonID == "" {
		return AidRecord{}, api.NewFatalError("Needy person ID is required")
	}
	a.Logger.InfoContext(ctx, "creating aid record", slog.String("application_id", data.ID))
	return AidRecord{
		ID:            uuid.NewString(),
		ApplicationID: data.ID,
		NeedyPersonID: data.NeedyPersonID,
		Type:          data.ApplicationType,
		Amount:        data.Amount,
		Status:        "pending",
		CreatedAt:     a.Clock.Now().UTC(),
	}, nil
}

func (a *Activities) SaveApplication(ctx context.Context, req ApplicationRequest) (Ack, error) {
	a.Logger.InfoContext(ctx, "saving application",
		slog.String("application_id", req.ID),
		slog.String("status", "pending_first_approval"),
	)
	return Ack{OK: true}, nil
}

func (a *Activities) NotifyApprovers(ctx context.Context, n ApproverNotice) (Ack, error) {
	a.Logger.InfoContext(ctx, "notifying approvers",
		slog.String("role", n.Role),
		slog.String("application_id", n.ApplicationID),
	)
	return Ack{OK: true}, nil
}

func (a *Activities) FinalizeApproval(ctx context.Context, f FinalizeArgs) (AidRecord, error) {
	a.Logger.InfoContext(ctx, "creating aid record from application", slog.String("application_id", f.Application.ID))
	return AidRecord{
		ID:               uuid.NewString(),
		ApplicationID:    f.Application.ID,
		NeedyPersonID:    f.Application.NeedyPersonID,
		Type:             f.Application.ApplicationType,
		Amount:           f.Application.RequestedAmount,
		Status:           "pending_delivery",
		FirstApprovedBy:  f.First.ApprovedBy,
		SecondApprovedBy: f.Second.ApprovedBy,
		CreatedAt:        a.Clock.Now().UTC(),
	}, nil
}

func (a *Activities) NotifyApplicant(ctx context.Context, n ApplicantNotice) (Delivery, error) {
	msg := "Unfortunately your application was not accepted."
	if n.Status == "approved" {
		msg = "Your application has been approved. We will contact you shortly."
	}
	a.Logger.InfoContext(ctx, "notifying applicant",
		slog.String("needy_person_id", n.NeedyPersonID),
		slog.String("status", n.Status),
	)
	return Delivery{Sent: true, Message: msg}, nil
}

func (a *Activities) FetchRecipients(ctx context.Context, filter RecipientFilter) ([]Recipient, error) {
	recipients, err := a.Directory.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	a.Logger.InfoContext(ctx, "fetched recipients", slog.Int("count", len(recipients)))
	return recipients, nil
}

// SendMessageBatch counts recipients lacking the channel's address as failed.
func (a *Activities) SendMessageBatch(ctx context.Context, b Batch) (BatchResult, error) {
	var res BatchResult
	for _, r := range b.Recipients {
		switch {
		case b.MessageType == "sms" && r.Phone != "":
			res.Success++
		case b.MessageType == "email" && r.Email != "":
			res.Success++
		default:
			res.Failed++
		}
	}
	a.Logger.InfoContext(ctx, "sent message batch",
		slog.String("type", b.MessageType),
		slog.Int("success", res.Success),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

func (a *Activities) CreateMessageReport(ctx context.Context, r ReportArgs) (MessageReport, error) {
	content := r.Content
	if len(content) > 100 {
		content = content[:100] + "..."
	}
	a.Logger.InfoContext(ctx, "creating message report")
	return MessageReport{
		ID:              uuid.NewString(),
		Type:            r.MessageType,
		Content:         content,
		TotalRecipients: r.TotalRecipients,
		SuccessCount:    r.Success,
		FailedCount:     r.Failed,
		SentBy:          r.SenderID,
		CreatedAt:       a.Clock.Now().UTC(),
	}, nil
}

func (a *Activities) ConfirmDonation(ctx context.Context, d Donation) (ConfirmedDonation, error) {
	a.Logger.InfoContext(ctx, "confirming donation", slog.String("donation_id", d.ID))
	return ConfirmedDonation{Donation: d, Status: "confirmed", ConfirmedAt: a.Clock.Now().UTC()}, nil
}

// GenerateReceipt numbers receipts MKB-<year>-<5 digits>.
func (a *Activities) GenerateReceipt(ctx context.Context, d ConfirmedDonation) (Receipt, error) {
	id := uuid.New()
	now := a.Clock.Now().UTC()
	number := fmt.Sprintf("MKB-%d-%05d", now.Year(), binary.BigEndian.Uint32(id[:4])%100000)
	a.Logger.InfoContext(ctx, "generated receipt",
		slog.String("donation_id", d.ID),
		slog.String("number", number),
	)
	return Receipt{
		ID:         id.String(),
		Number:     number,
		DonationID: d.ID,
		DonorName:  d.DonorName,
		Amount:     d.Amount,
		Currency:   d.Currency,
		Category:   d.Category,
		IssuedAt:   now,
	}, nil
}

func (a *Activities) SendThankYouMessage(ctx context.Context, d Donation) (Delivery, error) {
	msg := fmt.Sprintf("Dear %s, thank you for your donation of %.2f %s.", d.DonorName, d.Amount, d.Currency)
	if d.DonorPhone != "" {
		a.Logger.InfoContext(ctx, "thank you sms sent", slog.String("donation_id", d.ID))
	}
	if d.DonorEmail != "" {
		a.Logger.InfoContext(ctx, "thank you email sent", slog.String("donation_id", d.ID))
	}
	return Delivery{Sent: true, Message: msg}, nil
}

func (a *Activities) CreateAccountingEntry(ctx context.Context, args AccountingArgs) (AccountingEntry, error) {
	d := args.Donation
	a.Logger.InfoContext(ctx, "creating accounting entry", slog.String("donation_id", d.ID))
	return AccountingEntry{
		ID:            uuid.NewString(),
		Type:          "income",
		Category:      "donation_" + d.Category,
		Amount:        d.Amount,
		Currency:      d.Currency,
		ReferenceType: "donation",
		ReferenceID:   d.ID,
		ReceiptID:     args.Receipt.ID,
		Description:   fmt.Sprintf("%s - %s donation", d.DonorName, d.Category),
		CreatedBy:     d.CreatedBy,
		CreatedAt:     a.Clock.Now().UTC(),
	}, nil
}

func (a *Activities) UpdateAnnualDonationSummary(ctx context.Context, d Donation) (SummaryUpdate, error) {
	year := a.Clock.Now().UTC().Year()
	a.Logger.InfoContext(ctx, "updating annual donation summary",
		slog.String("category", d.Category),
		slog.Int("year", year),
	)
	return SummaryUpdate{Updated: true, Year: year, Category: d.Category}, nil
}

func (a *Activities) GetSystemStatus(ctx context.Context, _ struct{}) (SystemStatus, error) {
	return SystemStatus{
		ActiveApplications: 42,
		PendingApprovals:   7,
		MonthlyAidAmount:   125000,
		ActiveVolunteers:   23,
	}, nil
}

func (a *Activities) PostSlackMessage(ctx context.Context, r SlackReply) (Ack, error) {
	a.Logger.InfoContext(ctx, "posting slack message",
		slog.String("channel_id", r.ChannelID),
		slog.Int("length", len(r.Text)),
	)
	return Ack{OK: true}, nil
}

func (a *Activities) CreateHelpRequest(ctx context.Context, args HelpRequestArgs) (HelpRequest, error) {
	now := a.Clock.Now().UTC()
	a.Logger.InfoContext(ctx, "creating help request",
		slog.String("user", args.Message.UserName),
		slog.String("channel_id", args.Message.ChannelID),
	)
	return HelpRequest{
		ID:        uuid.NewString(),
		Reference: fmt.Sprintf("REQ-%d", now.UnixMilli()),
		Source:    "slack",
		ChannelID: args.Message.ChannelID,
		UserID:    args.Message.UserID,
		UserName:  args.Message.UserName,
		Details:   args.Details,
		Status:    "pending",
		CreatedAt: now,
	}, nil
}
