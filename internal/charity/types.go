package charity

import "time"

// ApplicationData is the input of application-approval.
type ApplicationData struct {
	ID              string  `json:"id"`
	NeedyPersonID   string  `json:"needyPersonId"`
	ApplicationType string  `json:"applicationType"`
	Amount          float64 `json:"amount,omitempty"`
	ApprovedBy      string  `json:"approvedBy"`
}

// ApplicationRequest is the input of dual-approval.
type ApplicationRequest struct {
	ID              string  `json:"id"`
	NeedyPersonID   string  `json:"needyPersonId"`
	ApplicationType string  `json:"applicationType"`
	RequestedAmount float64 `json:"requestedAmount"`
	Description     string  `json:"description,omitempty"`
	SubmittedBy     string  `json:"submittedBy"`
}

// Approval is the payload an approver resolves an approval hook with.
type Approval struct {
	Approved   bool   `json:"approved"`
	Comment    string `json:"comment,omitempty"`
	ApprovedBy string `json:"approvedBy,omitempty"`
	ApprovedAt string `json:"approvedAt,omitempty"`
}

type StatusUpdate struct {
	ApplicationID string `json:"applicationId"`
	Status        string `json:"status"`
	ApprovedBy    string `json:"approvedBy,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

type ApplicationRecord struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	ApprovedBy string    `json:"approvedBy,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ApprovalNotice struct {
	NeedyPersonID   string `json:"needyPersonId"`
	ApplicationType string `json:"applicationType"`
}

type ApproverNotice struct {
	Role          string `json:"role"`
	ApplicationID string `json:"applicationId"`
}

type ApplicantNotice struct {
	NeedyPersonID string `json:"needyPersonId"`
	Status        string `json:"status"`
}

type Delivery struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message,omitempty"`
}

// Ack is returned by activities whose only outcome is success.
type Ack struct {
	OK bool `json:"ok"`
}

type AidRecord struct {
	ID               string    `json:"id"`
	ApplicationID    string    `json:"applicationId"`
	NeedyPersonID    string    `json:"needyPersonId"`
	Type             string    `json:"type"`
	Amount           float64   `json:"amount"`
	Status           string    `json:"status"`
	FirstApprovedBy  string    `json:"firstApprovedBy,omitempty"`
	SecondApprovedBy string    `json:"secondApprovedBy,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type FinalizeArgs struct {
	Application ApplicationRequest `json:"application"`
	First       Approval           `json:"first"`
	Second      Approval           `json:"second"`
}

// RecipientFilter narrows the recipients of a bulk message.
type RecipientFilter struct {
	Status   string `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
	City     string `json:"city,omitempty"`
}

type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// BulkMessage is the input of bulk-message.
type BulkMessage struct {
	MessageType     string          `json:"messageType"`
	Content         string          `json:"content"`
	Subject         string          `json:"subject,omitempty"`
	RecipientFilter RecipientFilter `json:"recipientFilter"`
	SenderID        string          `json:"senderId"`
}

type Batch struct {
	MessageType string      `json:"messageType"`
	Content     string      `json:"content"`
	Subject     string      `json:"subject,omitempty"`
	Recipients  []Recipient `json:"recipients"`
}

type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type ReportArgs struct {
	MessageType     string `json:"messageType"`
	Content         string `json:"content"`
	SenderID        string `json:"senderId"`
	TotalRecipients int    `json:"totalRecipients"`
	Success         int    `json:"success"`
	Failed          int    `json:"failed"`
}

type MessageReport struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Content         string    `json:"content"`
	TotalRecipients int       `json:"totalRecipients"`
	SuccessCount    int       `json:"successCount"`
	FailedCount     int       `json:"failedCount"`
	SentBy          string    `json:"sentBy"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Donation is the input of donation-processing.
type Donation struct {
	ID           string  `json:"id"`
	DonorName    string  `json:"donorName"`
	DonorEmail   string  `json:"donorEmail,omitempty"`
	DonorPhone   string  `json:"donorPhone,omitempty"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	DonationType string  `json:"donationType"`
	Category     string  `json:"category"`
	CreatedBy    string  `json:"createdBy"`
}

type ConfirmedDonation struct {
	Donation
	Status      string    `json:"status"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

type Receipt struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"`
	DonationID string    `json:"donationId"`
	DonorName  string    `json:"donorName"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Category   string    `json:"category"`
	IssuedAt   time.Time `json:"issuedAt"`
}

type AccountingArgs struct {
	Donation ConfirmedDonation `json:"donation"`
	Receipt  Receipt           `json:"receipt"`
}

type AccountingEntry struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Category      string    `json:"category"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	ReferenceType string    `json:"referenceType"`
	ReferenceID   string    `json:"referenceId"`
	ReceiptID     string    `json:"receiptId"`
	Description   string    `json:"description"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

type SummaryUpdate struct {
	Updated  bool   `json:"updated"`
	Year     int    `json:"year"`
	Category string `json:"category"`
}

// SlackMessage is one delivery on a slack channel hook.
type SlackMessage struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	ThreadTS  string `json:"threadTs,omitempty"`
}

type SlackReply struct {
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
}

type SystemStatus struct {
	ActiveApplications int     `json:"activeApplications"`
	PendingApprovals   int     `json:"pendingApprovals"`
	MonthlyAidAmount   float64 `json:"monthlyAidAmount"`
	ActiveVolunteers   int     `json:"activeVolunteers"`
}

type HelpRequestArgs struct {
	Message SlackMessage `json:"message"`
	Details string       `json:"details"`
}

type HelpRequest struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	Source    string    `json:"source"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Details   string    `json:"details"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}
