package charity

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/waypoint/internal/engine"
	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/pkg/api"
)

var t0 = time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)

type harness struct {
	e     *engine.Engine
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, dir RecipientDirectory) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	retry := api.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	e, err := engine.New(engine.Config{
		Persistence:  persistence.NewInMemory(),
		Clock:        clock,
		DefaultRetry: &retry,
	})
	require.NoError(t, err)
	require.NoError(t, Register(e, NewActivities(clock, dir, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Activities().Run(ctx, 2)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{e: e, clock: clock}
}

// drive advances runID until it finishes or waits on a hook, firing
// timers as they come due.
func (h *harness) drive(t *testing.T, runID string) *api.RunInfo {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		task, err := h.e.Queue().Dequeue(dctx)
		cancel()
		if err == nil {
			_, err := h.e.Advance(ctx, task.RunID)
			require.NoError(t, err)
			continue
		}

		info, err := h.e.GetStatus(ctx, runID)
		require.NoError(t, err)
		switch {
		case info.Status.IsTerminal():
			return info
		case strings.HasPrefix(info.WaitingOn, "hook:"):
			return info
		case strings.HasPrefix(info.WaitingOn, "timer:"):
			h.clock.Advance(time.Hour)
			_, err := h.e.Timers().FireDue(ctx)
			require.NoError(t, err)
		}
	}
	t.Fatalf("run %s did not settle", runID)
	return nil
}

func (h *harness) activityCalls(t *testing.T, runID string) map[string]int {
	t.Helper()
	events, err := h.e.History(context.Background(), runID)
	require.NoError(t, err)
	calls := map[string]int{}
	for _, ev := range events {
		if ev.Type != api.EventActivityScheduled {
			continue
		}
		var p api.ActivityScheduledPayload
		require.NoError(t, ev.Decode(&p))
		calls[p.Name]++
	}
	return calls
}

func (h *harness) count(t *testing.T, runID string, typ api.EventType) int {
	t.Helper()
	events, err := h.e.History(context.Background(), runID)
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func decodeResult[T any](t *testing.T, info *api.RunInfo) T {
	t.Helper()
	var out T
	require.NoError(t, api.Decode(info.Result, &out))
	return out
}

func TestApplicationApproval(t *testing.T) {
	ctx := context.Background()

	t.Run("completes after the finance pause", func(t *testing.T) {
		h := newHarness(t, nil)
		runID, err := h.e.Start(ctx, "application-approval", ApplicationData{
			ID: "app-1", NeedyPersonID: "p-1", ApplicationType: "food", Amount: 250, ApprovedBy: "moderator-1",
		})
		require.NoError(t, err)

		info := h.drive(t, runID)
		require.Equal(t, api.StatusCompleted, info.Status, info.Error)
		res := decodeResult[ApplicationResult](t, info)
		require.Equal(t, "app-1", res.ApplicationID)
		require.Equal(t, "completed", res.Status)
		require.NotEmpty(t, res.AidID)
		require.Equal(t, 1, h.count(t, runID, api.EventTimerFired))
		require.Equal(t, map[string]int{
			"updateApplicationStatus":  1,
			"sendApprovalNotification": 1,
			"notifyFinanceTeam":        1,
			"createAidRecord":          1,
		}, h.activityCalls(t, runID))
	})

	t.Run("missing needy person is fatal", func(t *testing.T) {
		h := newHarness(t, nil)
		runID, err := h.e.Start(ctx, "application-approval", ApplicationData{
			ID: "app-2", ApplicationType: "cash", ApprovedBy: "moderator-1",
		})
		require.NoError(t, err)

		info := h.drive(t, runID)
		require.Equal(t, api.StatusFailed, info.Status)
		require.Equal(t, api.FailureFatal, info.Failure)
		require.Contains(t, info.Error, "Needy person ID is required")
	})
}

func dualRequest(id string) ApplicationRequest {
	return ApplicationRequest{
		ID: id, NeedyPersonID: "p-9", ApplicationType: "health",
		RequestedAmount: 1200, Description: "surgery", SubmittedBy: "volunteer-3",
	}
}

func TestDualApproval(t *testing.T) {
	ctx := context.Background()

	t.Run("approved by both stages", func(t *testing.T) {
		h := newHarness(t, nil)
		runID, err := h.e.Start(ctx, "dual-approval", dualRequest("42"))
		require.NoError(t, err)

		info := h.drive(t, runID)
		require.Equal(t, "hook:approval:first:42", info.WaitingOn)
		require.NoError(t, h.e.ResolveHook(ctx, FirstApprovalToken("42"), Approval{Approved: true, ApprovedBy: "dm-1"}))

		info = h.drive(t, runID)
		require.Equal(t, "hook:approval:second:42", info.WaitingOn)
		require.NoError(t, h.e.ResolveHook(ctx, SecondApprovalToken("42"), Approval{Approved: true, ApprovedBy: "fm-1", Comment: "ok"}))

		info = h.drive(t, runID)
		require.Equal(t, api.StatusCompleted, info.Status, info.Error)
		res := decodeResult[DualApprovalResult](t, info)
		require.Equal(t, "approved", res.Status)
		require.NotEmpty(t, res.AidID)
		require.Equal(t, "dm-1", res.First.ApprovedBy)
		require.Equal(t, "fm-1", res.Second.ApprovedBy)
		require.Equal(t, 2, h.activityCalls(t, runID)["notifyApprovers"])
		require.Equal(t, 1, h.count(t, runID, api.EventTimerFired))

		err = h.e.ResolveHook(ctx, FirstApprovalToken("42"), Approval{Approved: true})
		require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)
	})

	t.Run("rejected at the first stage", func(t *testing.T) {
		h := newHarness(t, nil)
		runID, err := h.e.Start(ctx, "dual-approval", dualRequest("43"))
		require.NoError(t, err)
		h.drive(t, runID)

		require.NoError(t, h.e.ResolveHook(ctx, FirstApprovalToken("43"), Approval{Approved: false, Comment: "incomplete documents"}))
		info := h.drive(t, runID)
		require.Equal(t, api.StatusCompleted, info.Status)
		res := decodeResult[DualApprovalResult](t, info)
		require.Equal(t, "rejected_first", res.Status)
		require.Equal(t, "incomplete documents", res.Reason)
		require.Zero(t, h.activityCalls(t, runID)["finalizeApproval"])

		err = h.e.ResolveHook(ctx, SecondApprovalToken("43"), Approval{Approved: true})
		require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)
	})

	t.Run("rejected at the second stage", func(t *testing.T) {
		h := newHarness(t, nil)
		runID, err := h.e.Start(ctx, "dual-approval", dualRequest("44"))
		require.NoError(t, err)
		h.drive(t, runID)
		require.NoError(t, h.e.ResolveHook(ctx, FirstApprovalToken("44"), Approval{Approved: true, ApprovedBy: "dm-2"}))
		h.drive(t, runID)
		require.NoError(t, h.e.ResolveHook(ctx, SecondApprovalToken("44"), Approval{Approved: false, Comment: "over budget"}))

		info := h.drive(t, runID)
		res := decodeResult[DualApprovalResult](t, info)
		require.Equal(t, "rejected_second", res.Status)
		require.Equal(t, "dm-2", res.First.ApprovedBy)
		require.Equal(t, 0, h.count(t, runID, api.EventTimerScheduled))
	})

	t.Run("input is validated", func(t *testing.T) {
		h := newHarness(t, nil)
		req := dualRequest("45")
		req.ApplicationType = "vacation"
		_, err := h.e.Start(ctx, "dual-approval", req)
		require.ErrorIs(t, err, api.ErrInvalidInput)
	})
}

func recipients(n int) StaticDirectory {
	dir := make(StaticDirectory, n)
	for i := range dir {
		dir[i] = Recipient{ID: fmt.Sprint(i), Name: fmt.Sprintf("r%d", i), Phone: fmt.Sprintf("+90555%07d", i)}
	}
	return dir
}

func TestBulkMessage(t *testing.T) {
	ctx := context.Background()
	msg := BulkMessage{MessageType: "sms", Content: "Food distribution on Saturday", SenderID: "admin-1"}

	t.Run("sends in batches", func(t *testing.T) {
		dir := recipients(120)
		dir[7].Phone = ""
		dir[99].Phone = ""
		h := newHarness(t, dir)

		runID, err := h.e.Start(ctx, "bulk-message", msg)
		require.NoError(t, err)
		info := h.drive(t, runID)
		require.Equal(t, api.StatusCompleted, info.Status, info.Error)

		res := decodeResult[BulkMessageResult](t, info)
		require.Equal(t, 120, res.TotalRecipients)
		require.Equal(t, 118, res.Success)
		require.Equal(t, 2, res.Failed)
		require.NotEmpty(t, res.ReportID)
		require.Equal(t, 3, h.activityCalls(t, runID)["sendMessageBatch"])
		require.Equal(t, 2, h.count(t, runID, api.EventTimerScheduled))
	})

	t.Run("no recipients", func(t *testing.T) {
		h := newHarness(t, StaticDirectory{})
		runID, err := h.e.Start(ctx, "bulk-message", msg)
		require.NoError(t, err)

		info := h.drive(t, runID)
		require.Equal(t, api.StatusFailed, info.Status)
		require.Equal(t, api.FailureFatal, info.Failure)
		require.Equal(t, "No recipients found matching the filter criteria", info.Error)
	})
}

func TestDonationProcessing(t *testing.T) {
	ctx := context.Background()
	donation := Donation{
		ID: "d-1", DonorName: "Ayse", DonorEmail: "ayse@example.com",
		Amount: 500, Currency: "TRY", DonationType: "bank", Category: "zakat", CreatedBy: "staff-1",
	}

	cases := []struct {
		category string
		summary  int
	}{
		{"zakat", 1},
		{"fitre", 1},
		{"general", 0},
	}
	for _, tc := range cases {
		t.Run(tc.category, func(t *testing.T) {
			h := newHarness(t, nil)
			d := donation
			d.Category = tc.category
			runID, err := h.e.Start(ctx, "donation-processing", d)
			require.NoError(t, err)

			info := h.drive(t, runID)
			require.Equal(t, api.StatusCompleted, info.Status, info.Error)
			res := decodeResult[DonationResult](t, info)
			require.Equal(t, "d-1", res.DonationID)
			require.Regexp(t, `^MKB-2024-\d{5}$`, res.ReceiptNumber)
			require.Equal(t, tc.summary, h.activityCalls(t, runID)["updateAnnualDonationSummary"])
		})
	}

	t.Run("non-positive amount is fatal", func(t *testing.T) {
		h := newHarness(t, nil)
		d := donation
		d.Amount = 0
		runID, err := h.e.Start(ctx, "donation-processing", d)
		require.NoError(t, err)

		info := h.drive(t, runID)
		require.Equal(t, api.FailureFatal, info.Failure)
		require.Empty(t, h.activityCalls(t, runID))
	})

	t.Run("currency is required", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.e.Start(ctx, "donation-processing", map[string]any{"id": "d-2", "donorName": "x", "amount": 1, "category": "general"})
		require.ErrorIs(t, err, api.ErrInvalidInput)
	})
}

func TestSlackChannel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	token := SlackChannelToken("C42")

	runID, err := h.e.Start(ctx, "slack-channel", "C42")
	require.NoError(t, err)
	info := h.drive(t, runID)
	require.Equal(t, "hook:"+token, info.WaitingOn)

	say := func(text string) {
		require.NoError(t, h.e.ResolveHook(ctx, token, SlackMessage{ChannelID: "C42", UserName: "zeynep", Text: text}))
	}
	say("/help")
	say("hello everyone")
	say("/status")
	info = h.drive(t, runID)
	require.Equal(t, api.StatusSuspended, info.Status)

	say("/request two food parcels for the Demir family")
	say("/request")
	say("/stop")
	info = h.drive(t, runID)
	require.Equal(t, api.StatusCompleted, info.Status, info.Error)

	res := decodeResult[SlackChannelResult](t, info)
	require.Equal(t, SlackChannelResult{ChannelID: "C42", ProcessedMessages: 5, StoppedBy: "zeynep"}, res)

	calls := h.activityCalls(t, runID)
	require.Equal(t, 5, calls["postSlackMessage"])
	require.Equal(t, 1, calls["getSystemStatus"])
	require.Equal(t, 1, calls["createHelpRequest"])
	require.Equal(t, 1, h.count(t, runID, api.EventHookClosed))

	require.ErrorIs(t, h.e.ResolveHook(ctx, token, SlackMessage{Text: "/help"}), api.ErrUnknownOrResolvedToken)
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text string
		name string
		args int
		ok   bool
	}{
		{"/help", "help", 0, true},
		{"  STATUS ", "status", 0, true},
		{"/request blankets please", "request", 2, true},
		{"/stop", "stop", 0, true},
		{"good morning", "", 0, false},
		{"", "", 0, false},
	}
	for _, tc := range cases {
		cmd, ok := parseCommand(tc.text)
		if ok != tc.ok || cmd.name != tc.name || len(cmd.args) != tc.args {
			t.Fatalf("parseCommand(%q) = %+v, %v", tc.text, cmd, ok)
		}
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	h := newHarness(t, nil)
	require.Error(t, Register(h.e, nil))
}
