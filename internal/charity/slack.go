package charity

import (
	"fmt"
	"strings"

	"github.com/petrijr/waypoint/pkg/api"
)

// SlackChannelToken is the iterator hook token of a channel listener.
func SlackChannelToken(channelID string) string { return "slack:channel:" + channelID }

// SlackChannelResult is what slack-channel completes with.
type SlackChannelResult struct {
	ChannelID         string `json:"channelId"`
	ProcessedMessages int    `json:"processedMessages"`
	StoppedBy         string `json:"stoppedBy,omitempty"`
}

type slackCommand struct {
	name string
	args []string
}

var commandAliases = map[string]string{
	"/help":    "help",
	"help":     "help",
	"/status":  "status",
	"status":   "status",
	"/stop":    "stop",
	"stop":     "stop",
	"/request": "request",
	"request":  "request",
}

// parseCommand reads the first word of text as a command. Plain chat
// returns ok == false.
func parseCommand(text string) (slackCommand, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return slackCommand{}, false
	}
	name, ok := commandAliases[strings.ToLower(fields[0])]
	if !ok {
		return slackCommand{}, false
	}
	return slackCommand{name: name, args: fields[1:]}, true
}

const helpMessage = `*Available commands*

- /help: show this message
- /status: show system status
- /request <details>: create a new help request
- /stop: stop listening`

func formatStatus(st SystemStatus) string {
	return fmt.Sprintf("*System status*\n\n- Active applications: %d\n- Pending approvals: %d\n- Aid distributed this month: %.0f\n- Active volunteers: %d",
		st.ActiveApplications, st.PendingApprovals, st.MonthlyAidAmount, st.ActiveVolunteers)
}

const (
	slackListen = iota
	slackReceived
	slackStatusFetched
	slackRequestCreated
	slackReplied
	slackClosed
	slackStopped
)

type slackState struct {
	channel   string
	phase     int
	processed int
	current   SlackMessage
	stoppedBy string
}

// SlackChannelWorkflow listens on a channel hook and answers commands until
// someone sends /stop.
func SlackChannelWorkflow() api.WorkflowDefinition {
	def := api.Define("slack-channel",
		func(channelID string) *slackState { return &slackState{channel: channelID} },
		stepSlack)
	def.InputSchema = `{"type": "string", "minLength": 1}`
	return def
}

func (s *slackState) listen() api.StepResult {
	s.phase = slackReceived
	return api.ListenHook(SlackChannelToken(s.channel), map[string]string{"channelId": s.channel})
}

func (s *slackState) reply(text string) api.StepResult {
	s.phase = slackReplied
	return api.CallActivity("postSlackMessage", SlackReply{ChannelID: s.channel, Text: text})
}

func stepSlack(wc api.Context, s *slackState) api.StepResult {
	switch s.phase {
	case slackListen:
		wc.Logger().Info("listening on slack channel", "channel_id", s.channel)
		return s.listen()

	case slackReceived:
		s.current = SlackMessage{}
		if err := wc.Result(&s.current); err != nil {
			return api.Fail(err)
		}
		cmd, ok := parseCommand(s.current.Text)
		if !ok {
			s.processed++
			return s.listen()
		}
		switch cmd.name {
		case "stop":
			s.stoppedBy = s.current.UserName
			s.phase = slackClosed
			return api.CloseHook(SlackChannelToken(s.channel))
		case "help":
			s.processed++
			return s.reply(helpMessage)
		case "status":
			s.processed++
			s.phase = slackStatusFetched
			return api.CallActivity("getSystemStatus", nil)
		default:
			s.processed++
			if len(cmd.args) == 0 {
				return s.reply("Please describe the request: /request <details>")
			}
			s.phase = slackRequestCreated
			return api.CallActivity("createHelpRequest", HelpRequestArgs{
				Message: s.current,
				Details: strings.Join(cmd.args, " "),
			})
		}

	case slackStatusFetched:
		var st SystemStatus
		if err := wc.Result(&st); err != nil {
			return api.Fail(err)
		}
		return s.reply(formatStatus(st))

	case slackRequestCreated:
		var req HelpRequest
		if err := wc.Result(&req); err != nil {
			return api.Fail(err)
		}
		return s.reply("Your help request was recorded. Reference: " + req.Reference)

	case slackReplied:
		if err := wc.Result(nil); err != nil {
			return api.Fail(err)
		}
		return s.listen()

	case slackClosed:
		s.phase = slackStopped
		return api.CallActivity("postSlackMessage", SlackReply{ChannelID: s.channel, Text: "Listening stopped. Goodbye!"})
	}

	if err := wc.Result(nil); err != nil {
		return api.Fail(err)
	}
	return api.Complete(SlackChannelResult{
		ChannelID:         s.channel,
		ProcessedMessages: s.processed,
		StoppedBy:         s.stoppedBy,
	})
}
