package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/npezzotti/go-chatrelay/internal/client"
	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/spf13/cobra"
)

const chatHelp = `commands:
  /join <conversation>             join a conversation and switch to it
  /leave [conversation]            leave a conversation
  /switch <conversation>           send to another joined conversation
  /who                             list online and typing users
  /typing                          tell the conversation you are typing
  /react <message> <emoji>         add a reaction
  /unreact <message> <emoji>       remove a reaction
  /history                         show the local timeline
  /quit                            disconnect and exit
anything else is sent as a message`

type command struct {
	name string
	args []string
}

// parseCommand splits a slash command. Lines that are not commands come
// back with an empty name and the line as the only argument.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{args: []string{line}}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, errors.New("empty command")
	}

	cmd := command{name: fields[0], args: fields[1:]}
	want := map[string]int{
		"join": 1, "switch": 1, "react": 2, "unreact": 2,
		"leave": -1, "who": 0, "typing": 0, "history": 0, "quit": 0, "help": 0,
	}
	n, ok := want[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s", cmd.name)
	}
	if n >= 0 && len(cmd.args) != n {
		return command{}, fmt.Errorf("/%s takes %d argument(s)", cmd.name, n)
	}
	if cmd.name == "leave" && len(cmd.args) > 1 {
		return command{}, errors.New("/leave takes at most one argument")
	}

	return cmd, nil
}

func chatCmd() *cobra.Command {
	var (
		relayURL      string
		conversations []string
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join conversations and chat from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}
			if len(conversations) == 0 || conversations[0] == "" {
				return errors.New("--conversation is required")
			}

			logOut := io.Discard
			if verbose {
				logOut = os.Stderr
			}

			t := &terminal{
				out:     cmd.OutOrStdout(),
				log:     log.New(logOut, "[chatctl] ", log.LstdFlags),
				current: conversations[0],
			}
			return t.run(cmd.Context(), cmd.InOrStdin(), relayURL, identity, conversations)
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "ws://localhost:3002/ws", "relay websocket URL")
	cmd.Flags().StringSliceVar(&conversations, "conversation", nil, "conversation(s) to join")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")
	cmd.MarkFlagRequired("conversation")

	return cmd
}

func identityFromFlags(cmd *cobra.Command) (types.Identity, error) {
	flags := cmd.Flags()
	userId, _ := flags.GetString("user-id")
	name, _ := flags.GetString("name")
	image, _ := flags.GetString("image")

	if userId == "" {
		return types.Identity{}, errors.New("--user-id is required")
	}
	if name == "" {
		name = userId
	}

	return types.Identity{UserId: userId, DisplayName: name, AvatarUrl: image}, nil
}

type terminal struct {
	mu       sync.Mutex
	out      io.Writer
	log      *log.Logger
	session  *client.Session
	timeline *client.Timeline
	presence *client.Presence
	current  string
	self     string
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) run(ctx context.Context, in io.Reader, relayURL string, identity types.Identity, conversations []string) error {
	session, err := client.NewSession(client.Options{URL: relayURL, Logger: t.log})
	if err != nil {
		return err
	}

	t.session = session
	t.self = identity.UserId
	t.timeline = client.NewTimeline()
	t.presence = client.NewPresence(identity.UserId)
	defer t.timeline.Bind(session)()
	defer t.presence.Bind(session)()
	defer t.subscribe()()

	if err := session.Connect(ctx, identity); err != nil {
		t.printf("* could not connect to %s, retrying: %v", relayURL, err)
	}
	defer session.Disconnect()

	for _, id := range conversations {
		if err := session.JoinConversation(id); err != nil {
			t.printf("! join %s: %v", id, err)
		}
	}
	t.printf("* chatting in %s as %s, /help for commands", t.current, identity.DisplayName)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := t.handleLine(line); quit {
				return nil
			}
		}
	}
}

func (t *terminal) handleLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}

	cmd, err := parseCommand(line)
	if err != nil {
		t.printf("! %v", err)
		return false
	}

	switch cmd.name {
	case "":
		_, err = t.session.SendMessage(client.Outgoing{ConversationId: t.current, Content: cmd.args[0]})
	case "join":
		err = t.session.JoinConversation(cmd.args[0])
		t.current = cmd.args[0]
	case "leave":
		id := t.current
		if len(cmd.args) == 1 {
			id = cmd.args[0]
		}
		err = t.session.LeaveConversation(id)
	case "switch":
		t.current = cmd.args[0]
		t.printf("* now sending to %s", t.current)
	case "who":
		t.printWho()
	case "typing":
		err = t.session.StartTyping(t.current)
	case "react":
		err = t.session.AddReaction(cmd.args[0], cmd.args[1])
	case "unreact":
		err = t.session.RemoveReaction(cmd.args[0], cmd.args[1])
	case "history":
		t.printHistory()
	case "help":
		t.printf("%s", chatHelp)
	case "quit":
		return true
	}

	if err != nil {
		t.printf("! %v", err)
	}
	return false
}

func (t *terminal) printWho() {
	names := make([]string, 0)
	for _, u := range t.presence.Online(t.current) {
		names = append(names, u.DisplayName)
	}
	t.printf("* online in %s: %s", t.current, strings.Join(names, ", "))
	if typing := t.presence.Typing(t.current); len(typing) > 0 {
		t.printf("* typing: %s", strings.Join(typing, ", "))
	}
}

func (t *terminal) printHistory() {
	for _, e := range t.timeline.Entries(t.current) {
		marker := ""
		switch e.Status {
		case client.SendPending:
			marker = " (sending)"
		case client.SendFailed:
			marker = " (failed)"
		}

		reactions := make([]string, 0, len(e.Message.Reactions))
		for _, r := range e.Message.Reactions {
			reactions = append(reactions, r.Emoji)
		}
		suffix := ""
		if len(reactions) > 0 {
			suffix = " [" + strings.Join(reactions, " ") + "]"
		}

		t.printf("%s %s: %s%s%s", e.Message.Id, e.Message.SenderName, e.Message.Content, suffix, marker)
	}
}

func (t *terminal) subscribe() func() {
	s := t.session
	unsubs := []func(){
		s.OnMessageReceived(func(m types.Message) {
			t.printf("[%s] %s: %s  (%s)", m.ConversationId, m.SenderName, m.Content, m.Id)
		}),
		s.OnSendResult(func(r client.SendResult) {
			switch r.Status {
			case client.SendConfirmed:
				t.printf("[%s] you: %s  (%s)", r.Message.ConversationId, r.Message.Content, r.Message.Id)
			case client.SendFailed:
				t.printf("! not sent %q: %v", r.Message.Content, r.Err)
			}
		}),
		s.OnUserJoined(func(e protocol.UserJoined) {
			t.printf("* %s joined %s", e.User.DisplayName, e.ConversationId)
		}),
		s.OnUserLeft(func(e protocol.UserLeft) {
			t.printf("* %s left %s", e.UserId, e.ConversationId)
		}),
		s.OnUserTyping(func(e protocol.UserTyping) {
			if e.UserId != t.self {
				t.printf("* %s is typing in %s", e.UserName, e.ConversationId)
			}
		}),
		s.OnMessageReaction(func(e protocol.MessageReaction) {
			verb := "reacted"
			if e.Action == protocol.ReactionRemove {
				verb = "removed reaction"
			}
			t.printf("* %s %s %s on %s", e.UserId, verb, e.Emoji, e.MessageId)
		}),
		s.OnConnectionChange(func(status client.Status) {
			t.printf("* %s", status)
		}),
		s.OnError(func(err error) {
			t.printf("! %v", err)
		}),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
